package cache

import "testing"

func TestAdvisoryLockKeyDeterministicAndDistinct(t *testing.T) {
	a1 := advisoryLockKey("region_id")
	a2 := advisoryLockKey("region_id")
	if a1 != a2 {
		t.Error("expected the same partition key to hash to the same advisory lock key")
	}
	if advisoryLockKey("zone_id") == a1 {
		t.Error("expected different partition keys to hash to different advisory lock keys")
	}
}
