package stamp

import "testing"

func TestIntegerHelper(t *testing.T) {
	s8 := NewIntegerHelper(Signed, 8)
	u8 := NewIntegerHelper(Unsigned, 8)
	tests := []struct {
		name      string
		got, want int64
	}{
		{"signed Cast(0xff)", s8.Cast(0xff), -1},
		{"unsigned Cast(-1)", u8.Cast(-1), 255},
		{"signed Cast(0x17f)", s8.Cast(0x17f), 127},
		{"unsigned Cast(0x17f)", u8.Cast(0x17f), 127},
		{"signed MinValue", s8.MinValue(), -128},
		{"signed MaxValue", s8.MaxValue(), 127},
		{"unsigned MinValue", u8.MinValue(), 0},
		{"unsigned MaxValue", u8.MaxValue(), 255},
		{"signed Compare(-1, 1)", int64(s8.Compare(-1, 1)), -1},
		{"unsigned Compare(-1, 1)", int64(u8.Compare(-1, 1)), 1},
		{"unsigned Compare(255, -1)", int64(u8.Compare(255, -1)), 0},
		{"signed Min(-1, 1)", s8.Min(-1, 1), -1},
		{"unsigned Min(-1, 1)", u8.Min(-1, 1), 1},
		{"signed Max(-1, 1)", s8.Max(-1, 1), 1},
		{"unsigned Max(-1, 1)", u8.Max(-1, 1), -1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestIntegerHelperBounds(t *testing.T) {
	s8 := NewIntegerHelper(Signed, 8)
	u8 := NewIntegerHelper(Unsigned, 8)

	// The same values, 200 through 255, seen from both domains.
	st := u8.Stamp(200, 255)
	if lo, hi := u8.LowerBound(st), u8.UpperBound(st); lo != 200 || hi != 255 {
		t.Errorf("unsigned bounds of %s are [%d, %d], want [200, 255]", st, lo, hi)
	}
	if lo, hi := s8.LowerBound(st), s8.UpperBound(st); lo != -56 || hi != -1 {
		t.Errorf("signed bounds of %s are [%d, %d], want [-56, -1]", st, lo, hi)
	}
	ss := s8.Stamp(-56, -1)
	if lo, hi := u8.LowerBound(ss), u8.UpperBound(ss); lo != 200 || hi != 255 {
		t.Errorf("unsigned bounds of %s are [%d, %d], want [200, 255]", ss, lo, hi)
	}
	if !s8.Stamp(3, 1).IsEmpty() || !u8.Stamp(-1, 0).IsEmpty() {
		t.Error("inverted intervals should give empty stamps")
	}

	small := ForSigned(8, 0, 3)
	if got := u8.FoldLess(small, st); got != AlwaysTrue {
		t.Errorf("unsigned %s < %s is %s, want %s", small, st, got, AlwaysTrue)
	}
	if got := s8.FoldLess(small, st); got != AlwaysFalse {
		t.Errorf("signed %s < %s is %s, want %s", small, st, got, AlwaysFalse)
	}
	if got := s8.FoldLess(small, small); got != Unknown {
		t.Errorf("%s < %s is %s, want %s", small, small, got, Unknown)
	}

	if s8.CompareOp() != CompareLess || u8.CompareOp() != CompareBelow {
		t.Error("wrong comparison for the domain")
	}
	if s8.Domain() != Signed || u8.Bits() != 8 {
		t.Errorf("got %s %d-bit helper", s8.Domain(), u8.Bits())
	}
}
