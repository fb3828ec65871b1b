package mssql

import (
	"testing"

	"github.com/golang-sql/civil"
	"github.com/stretchr/testify/require"
)

func TestDateEncodeDecodeRoundTrip(t *testing.T) {
	date := civil.Date{Year: 2024, Month: 3, Day: 15}
	wire := encodeDateBytes(date)
	require.Len(t, wire, 3)

	buf := bufferOf(wire)
	got := readDateValue(&typeInfo{}, buf, nil)
	require.Equal(t, date, got)
}

func TestDateTime2EncodeDecodeRoundTrip(t *testing.T) {
	const scale = 7
	dt := civil.DateTime{
		Date: civil.Date{Year: 2024, Month: 3, Day: 15},
		Time: civil.Time{Hour: 13, Minute: 45, Second: 30, Nanosecond: 1234500},
	}
	wire := encodeDateTime2Bytes(dt, scale)
	ti := &typeInfo{Size: len(wire), Scale: scale}

	buf := bufferOf(wire)
	got := readDateTime2Value(ti, buf, nil)
	require.Equal(t, dt, got)
}

func TestDateTimeOffsetEncodeDecodeRoundTrip(t *testing.T) {
	const scale = 7
	dt := civil.DateTime{
		Date: civil.Date{Year: 2024, Month: 1, Day: 1},
		Time: civil.Time{Hour: 0, Minute: 0, Second: 0},
	}
	wire := encodeDateTimeOffsetBytes(dt, scale, -300)
	ti := &typeInfo{Size: len(wire), Scale: scale}

	buf := bufferOf(wire)
	got := readDateTimeOffsetValue(ti, buf, nil).(DateTimeOffset)
	require.Equal(t, dt, got.DateTime)
	require.Equal(t, int16(-300), got.Offset)
}

func TestDateTimeOffsetTimeAppliesZoneOffset(t *testing.T) {
	off := DateTimeOffset{
		DateTime: civil.DateTime{
			Date: civil.Date{Year: 2024, Month: 6, Day: 1},
			Time: civil.Time{Hour: 12, Minute: 0, Second: 0},
		},
		Offset: 60, // UTC+1
	}
	tm := off.Time()
	_, offsetSec := tm.Zone()
	require.Equal(t, 3600, offsetSec)
	require.Equal(t, 12, tm.Hour())
}
