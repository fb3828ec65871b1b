package mssql

import (
	"encoding/binary"
	"time"

	"github.com/golang-sql/civil"
)

// DateTimeOffset is the decoded value of a DATETIMEOFFSET column: a civil
// date/time paired with its UTC offset in minutes, kept distinct from
// civil.DateTime because civil carries no zone information.
type DateTimeOffset struct {
	DateTime civil.DateTime
	Offset   int16 // minutes, east of UTC
}

// Time returns the value as a time.Time in its original offset.
func (d DateTimeOffset) Time() time.Time {
	loc := time.FixedZone("", int(d.Offset)*60)
	return time.Date(
		d.DateTime.Date.Year, d.DateTime.Date.Month, d.DateTime.Date.Day,
		d.DateTime.Time.Hour, d.DateTime.Time.Minute, d.DateTime.Time.Second, d.DateTime.Time.Nanosecond,
		loc,
	)
}

var epochDate1 = civil.Date{Year: 1, Month: 1, Day: 1}
var epochDate1900 = civil.Date{Year: 1900, Month: 1, Day: 1}

func addDays(base civil.Date, days int) civil.Date {
	t := time.Date(base.Year, base.Month, base.Day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, days)
	return civil.DateOf(t)
}

// readDateValue decodes DATE: 3 little-endian bytes counting days since
// 0001-01-01.
func readDateValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	days := readUint24LE(r)
	return addDays(epochDate1, int(days))
}

// readTimeValue decodes TIME(n): a scale-dependent little-endian integer
// count of 10^-scale-second units since midnight.
func readTimeValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	ticks := readUintN(r, ti.Size)
	return civilTimeFromTicks(ticks, ti.Scale)
}

// readDateTime2Value decodes DATETIME2(n): a TIME(n) followed by a 3-byte
// DATE, both little-endian.
func readDateTime2Value(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	timeSize := ti.Size - 3
	ticks := readUintN(r, timeSize)
	days := readUint24LE(r)
	return civil.DateTime{
		Date: addDays(epochDate1, int(days)),
		Time: civilTimeFromTicks(ticks, ti.Scale),
	}
}

// readDateTimeOffsetValue decodes DATETIMEOFFSET(n): a DATETIME2(n) followed
// by a 2-byte signed offset in minutes. The date/time fields are returned
// unchanged in DateTime, with Offset alongside; no conversion between UTC
// and the offset's local time is applied here (DateTimeOffset.Time reads
// DateTime as the wall-clock time at Offset).
func readDateTimeOffsetValue(ti *typeInfo, r *tdsBuffer, _ *cryptoMetadata) interface{} {
	timeSize := ti.Size - 3 - 2
	ticks := readUintN(r, timeSize)
	days := readUint24LE(r)
	offset := int16(r.uint16())
	return DateTimeOffset{
		DateTime: civil.DateTime{
			Date: addDays(epochDate1, int(days)),
			Time: civilTimeFromTicks(ticks, ti.Scale),
		},
		Offset: offset,
	}
}

// readGUIDValue is defined in guid.go; readUintN/readUint24LE are shared
// little-endian helpers for the odd-sized DATE/TIME family, which have no
// fixed power-of-two width and so don't fit tdsBuffer's uint16/32/64 helpers.
func readUint24LE(r *tdsBuffer) uint32 {
	return uint32(readUintN(r, 3))
}

func readUintN(r *tdsBuffer, size int) uint64 {
	var buf [8]byte
	r.ReadFull(buf[:size])
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

func civilTimeFromTicks(ticks uint64, scale uint8) civil.Time {
	nanosPerUnit := uint64(1)
	for i := scale; i < 7; i++ {
		nanosPerUnit *= 10
	}
	totalNanos := ticks * nanosPerUnit * 100
	secs := totalNanos / 1e9
	nanos := totalNanos % 1e9
	hour := secs / 3600
	minute := (secs % 3600) / 60
	second := secs % 60
	return civil.Time{Hour: int(hour), Minute: int(minute), Second: int(second), Nanosecond: int(nanos)}
}

// daysSince1 returns the day count a DATE/DATETIME2/DATETIMEOFFSET value
// would encode for date, counting from 0001-01-01 (the inverse of addDays
// applied to epochDate1).
func daysSince1(date civil.Date) int64 {
	t := time.Date(date.Year, date.Month, date.Day, 0, 0, 0, 0, time.UTC)
	epoch := time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	return (t.Unix() - epoch.Unix()) / 86400
}

// encodeUint24LE writes the low 3 bytes of v little-endian, the wire width
// shared by DATE and the date portion of DATETIME2/DATETIMEOFFSET.
func encodeUint24LE(v int64) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16)}
}

// encodeDateBytes encodes DATE: 3 little-endian bytes since 0001-01-01.
func encodeDateBytes(date civil.Date) []byte {
	return encodeUint24LE(daysSince1(date))
}

// ticksFromCivilTime converts a civil.Time to the scale-dependent tick count
// TIME/DATETIME2/DATETIMEOFFSET encode on the wire (100ns units collapsed by
// 10^(7-scale)).
func ticksFromCivilTime(t civil.Time, scale uint8) uint64 {
	totalNanos := uint64(t.Hour)*3600e9 + uint64(t.Minute)*60e9 + uint64(t.Second)*1e9 + uint64(t.Nanosecond)
	nanosPerUnit := uint64(1)
	for i := scale; i < 7; i++ {
		nanosPerUnit *= 10
	}
	return totalNanos / (nanosPerUnit * 100)
}

// encodeUintNLE encodes v in the given little-endian byte width (3, 4 or 5
// bytes), the variable widths TIME(n) uses depending on scale.
func encodeUintNLE(v uint64, size int) []byte {
	out := make([]byte, size)
	for i := 0; i < size; i++ {
		out[i] = byte(v >> (uint(i) * 8))
	}
	return out
}

// encodeTimeBytes encodes TIME(n): a scale-dependent little-endian tick count.
func encodeTimeBytes(t civil.Time, scale uint8) []byte {
	return encodeUintNLE(ticksFromCivilTime(t, scale), timeSizeForScale(scale))
}

// encodeDateTime2Bytes encodes DATETIME2(n): TIME(n) bytes followed by DATE
// bytes.
func encodeDateTime2Bytes(dt civil.DateTime, scale uint8) []byte {
	out := encodeTimeBytes(dt.Time, scale)
	return append(out, encodeDateBytes(dt.Date)...)
}

// encodeDateTimeOffsetBytes encodes DATETIMEOFFSET(n): DATETIME2(n) bytes
// followed by a signed 16-bit offset in minutes. dt is in the local offset's
// wall-clock time, matching how DateTimeOffset stores it.
func encodeDateTimeOffsetBytes(dt civil.DateTime, scale uint8, offsetMinutes int16) []byte {
	out := encodeDateTime2Bytes(dt, scale)
	var off [2]byte
	binary.LittleEndian.PutUint16(off[:], uint16(offsetMinutes))
	return append(out, off[:]...)
}

func civilDateTimeFromSmallDateTime(days, minutes uint16) civil.DateTime {
	d := addDays(epochDate1900, int(days))
	return civil.DateTime{
		Date: d,
		Time: civil.Time{Hour: int(minutes / 60), Minute: int(minutes % 60)},
	}
}

// civilDateTimeFromDateTime decodes the legacy DATETIME wire format: a
// signed day count since 1900-01-01 and an unsigned count of 1/300th-second
// ticks since midnight.
func civilDateTimeFromDateTime(days int32, threeHundredths uint32) civil.DateTime {
	d := addDays(epochDate1900, int(days))
	totalMillis := uint64(threeHundredths) * 10 / 3
	secs := totalMillis / 1000
	millis := totalMillis % 1000
	hour := secs / 3600
	minute := (secs % 3600) / 60
	second := secs % 60
	return civil.DateTime{
		Date: d,
		Time: civil.Time{Hour: int(hour), Minute: int(minute), Second: int(second), Nanosecond: int(millis) * 1e6},
	}
}
