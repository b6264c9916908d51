package kernel

import "testing"

func TestKernelError(t *testing.T) {
	var err error = &Error{
		Module:  "pmm",
		Message: "out of memory",
	}

	if got := err.Error(); got != "out of memory" {
		t.Fatalf("expected err.Error() to return %q; got %q", "out of memory", got)
	}
}
