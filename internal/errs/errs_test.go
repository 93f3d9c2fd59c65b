package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrappedErrorsMatchSentinels(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		kind error
	}{
		{Configuration("bad strategy %q", "gpu fp16"), ErrConfiguration},
		{Shape("want %d got %d", 4, 5), ErrShapeMismatch},
		{Dtype("missing %s", "key.weight_mx"), ErrDtypeMismatch},
		{Version("no cell for %s", "v3"), ErrUnsupportedVersion},
	}
	for _, tc := range cases {
		if !errors.Is(tc.err, tc.kind) {
			t.Fatalf("%v does not match %v", tc.err, tc.kind)
		}
		outer := fmt.Errorf("layer 3: %w", tc.err)
		if !errors.Is(outer, tc.kind) {
			t.Fatalf("wrapped %v lost its kind", outer)
		}
	}
	if errors.Is(Shape("x"), ErrDtypeMismatch) {
		t.Fatal("shape error matched dtype sentinel")
	}
	if got := Shape("want %d", 3).Error(); got != "shape mismatch: want 3" {
		t.Fatalf("unexpected message %q", got)
	}
}
