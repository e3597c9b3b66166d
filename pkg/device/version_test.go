package device

import "testing"

func TestMeetsMinimumVersionEmptyFloorAlwaysPasses(t *testing.T) {
	if !MeetsMinimumVersion("garbage", "") {
		t.Fatal("empty minimum must always pass")
	}
}

func TestMeetsMinimumVersionComparesNormalized(t *testing.T) {
	if !MeetsMinimumVersion("3.10", "3.4") {
		t.Fatal("3.10 should meet a 3.4 floor")
	}
	if MeetsMinimumVersion("3.2", "3.4") {
		t.Fatal("3.2 should not meet a 3.4 floor")
	}
	if !MeetsMinimumVersion("3.4", "3.4") {
		t.Fatal("exact match should meet the floor")
	}
}

func TestMeetsMinimumVersionFailsClosedOnGarbage(t *testing.T) {
	if MeetsMinimumVersion("not-a-version", "3.4") {
		t.Fatal("unparseable reported version must fail the check")
	}
}
