package version

import "testing"

func TestStringCombinesVersionAndCommit(t *testing.T) {
	origVersion, origCommit := Version, Commit
	defer func() {
		Version, Commit = origVersion, origCommit
	}()

	Version = "1.2.3"
	Commit = "abc1234"
	if got := String(); got != "1.2.3+abc1234" {
		t.Fatalf("String() = %q, want %q", got, "1.2.3+abc1234")
	}
}
