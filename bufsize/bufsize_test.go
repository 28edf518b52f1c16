package bufsize

import (
	"testing"

	"pgregory.net/rapid"
)

func TestNew(t *testing.T) {
	tests := []struct {
		n         uint
		wantBytes uint64
		wantMask  uint64
	}{
		{n: 1, wantBytes: 2, wantMask: 1},
		{n: 6, wantBytes: 64, wantMask: 63},
		{n: 10, wantBytes: 1024, wantMask: 1023},
		{n: 20, wantBytes: 1 << 20, wantMask: (1 << 20) - 1},
	}
	for _, tt := range tests {
		s := New(tt.n)
		if s.Bytes() != tt.wantBytes {
			t.Errorf("New(%d).Bytes() = %d, want %d", tt.n, s.Bytes(), tt.wantBytes)
		}
		if s.Mask() != tt.wantMask {
			t.Errorf("New(%d).Mask() = %d, want %d", tt.n, s.Mask(), tt.wantMask)
		}
		if s.N() != tt.n {
			t.Errorf("New(%d).N() = %d, want %d", tt.n, s.N(), tt.n)
		}
	}
}

func TestNewPanicsOnInvalidN(t *testing.T) {
	for _, n := range []uint{0, 32, 63} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("New(%d) did not panic", n)
				}
			}()
			New(n)
		}()
	}
}

func TestOffsetGenerationRoundTrip(t *testing.T) {
	s := New(6) // 64 bytes
	tests := []struct {
		i        uint64
		wantOff  uint64
		wantGen  uint64
		wantDist uint64
	}{
		{i: 0, wantOff: 0, wantGen: 0, wantDist: 64},
		{i: 63, wantOff: 63, wantGen: 0, wantDist: 1},
		{i: 64, wantOff: 0, wantGen: 1, wantDist: 64},
		{i: 100, wantOff: 36, wantGen: 1, wantDist: 28},
		{i: 128, wantOff: 0, wantGen: 2, wantDist: 64},
	}
	for _, tt := range tests {
		if got := s.Offset(tt.i); got != tt.wantOff {
			t.Errorf("Offset(%d) = %d, want %d", tt.i, got, tt.wantOff)
		}
		if got := s.Generation(tt.i); got != tt.wantGen {
			t.Errorf("Generation(%d) = %d, want %d", tt.i, got, tt.wantGen)
		}
		if got := s.DistanceToWrap(tt.i); got != tt.wantDist {
			t.Errorf("DistanceToWrap(%d) = %d, want %d", tt.i, got, tt.wantDist)
		}
	}
}

// TestDistanceToWrapIdentity checks spec property P1: offset(i + distance_to_wrap(i)) == 0
// for any N and any index i.
func TestDistanceToWrapIdentity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.UintRange(1, 31).Draw(t, "n")
		s := New(n)
		i := rapid.Uint64Range(0, 1<<40).Draw(t, "i")

		dist := s.DistanceToWrap(i)
		if got := s.Offset(i + dist); got != 0 {
			t.Fatalf("Offset(%d + DistanceToWrap(%d)=%d) = %d, want 0", i, i, dist, got)
		}
	})
}

func TestGenerationMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.UintRange(1, 31).Draw(t, "n")
		s := New(n)
		i := rapid.Uint64Range(0, 1<<40).Draw(t, "i")
		delta := rapid.Uint64Range(0, s.Bytes()*4).Draw(t, "delta")

		if s.Generation(i+delta) < s.Generation(i) {
			t.Fatalf("generation decreased: Generation(%d)=%d > Generation(%d)=%d",
				i, s.Generation(i), i+delta, s.Generation(i+delta))
		}
	})
}
