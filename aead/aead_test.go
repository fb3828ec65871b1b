package aead

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testSubKeys(t *testing.T) *SubKeys {
	t.Helper()
	cek := make([]byte, 32)
	for i := range cek {
		cek[i] = byte(i)
	}
	keys, err := DeriveSubKeys(cek)
	require.NoError(t, err)
	return keys
}

func TestRoundTripRandomized(t *testing.T) {
	keys := testSubKeys(t)
	for _, pt := range [][]byte{{}, []byte("hello"), bytes.Repeat([]byte("x"), 10*1024)} {
		ct, err := Encrypt(pt, keys.EncKey, keys.MACKey, keys.IVKey, Randomized)
		require.NoError(t, err)
		got, err := Decrypt(ct, keys.EncKey, keys.MACKey)
		require.NoError(t, err)
		require.Equal(t, pt, got)
	}
}

func TestDeterministicStability(t *testing.T) {
	keys := testSubKeys(t)
	pt := []byte("Alice")
	a, err := Encrypt(pt, keys.EncKey, keys.MACKey, keys.IVKey, Deterministic)
	require.NoError(t, err)
	b, err := Encrypt(pt, keys.EncKey, keys.MACKey, keys.IVKey, Deterministic)
	require.NoError(t, err)
	require.Equal(t, a, b)

	got, err := Decrypt(a, keys.EncKey, keys.MACKey)
	require.NoError(t, err)
	require.Equal(t, pt, got)
}

func TestRandomizedVaries(t *testing.T) {
	keys := testSubKeys(t)
	pt := []byte("same plaintext")
	a, err := Encrypt(pt, keys.EncKey, keys.MACKey, keys.IVKey, Randomized)
	require.NoError(t, err)
	b, err := Encrypt(pt, keys.EncKey, keys.MACKey, keys.IVKey, Randomized)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	for _, ct := range [][]byte{a, b} {
		got, err := Decrypt(ct, keys.EncKey, keys.MACKey)
		require.NoError(t, err)
		require.Equal(t, pt, got)
	}
}

func TestTamperingFails(t *testing.T) {
	keys := testSubKeys(t)
	ct, err := Encrypt([]byte("tamper me"), keys.EncKey, keys.MACKey, keys.IVKey, Randomized)
	require.NoError(t, err)

	for i := range ct {
		tampered := append([]byte(nil), ct...)
		tampered[i] ^= 0x01
		_, err := Decrypt(tampered, keys.EncKey, keys.MACKey)
		require.ErrorIs(t, err, ErrDecryptionFailed, "byte %d", i)
	}
}

func TestVersionByteRejected(t *testing.T) {
	keys := testSubKeys(t)
	ct, err := Encrypt([]byte("x"), keys.EncKey, keys.MACKey, keys.IVKey, Randomized)
	require.NoError(t, err)
	ct[0] = 0x02
	_, err = Decrypt(ct, keys.EncKey, keys.MACKey)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestMinimumLength(t *testing.T) {
	keys := testSubKeys(t)
	for n := 0; n < minCiphertext; n++ {
		buf := make([]byte, n)
		_, _ = rand.Read(buf)
		_, err := Decrypt(buf, keys.EncKey, keys.MACKey)
		require.ErrorIs(t, err, ErrDecryptionFailed)
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(0)
	key := CacheKey{DatabaseID: 1, CEKID: 2, CEKVersion: 1}
	sub := testSubKeys(t)

	base := time.Now()
	offset := time.Duration(0)
	c.now = func() time.Time { return base.Add(offset) }
	c.Put(key, sub)

	got, ok := c.Get(key)
	require.True(t, ok)
	require.Same(t, sub, got)

	offset = DefaultTTL + time.Second
	_, ok = c.Get(key)
	require.False(t, ok)
}
