package testinfra

import (
	"strings"
	"testing"
)

func TestStoreContract(t *testing.T) {
	ForEachBackend(t, func(t *testing.T, backend Backend) {
		RunStoreSuite(t, backend)
	})
}

func TestBackends_AlwaysIncludeLocal(t *testing.T) {
	names := make([]string, 0)
	for _, b := range Backends(TestConfig{}) {
		names = append(names, b.Name)
	}
	if strings.Join(names, ",") != "memory,miniredis" {
		t.Errorf("unexpected backends without configuration: %v", names)
	}

	names = names[:0]
	for _, b := range Backends(TestConfig{MySQLDSN: "dsn", PostgresDSN: "dsn", RedisAddr: "addr"}) {
		names = append(names, b.Name)
	}
	if strings.Join(names, ",") != "memory,miniredis,redis,mysql,postgres" {
		t.Errorf("unexpected backends with configuration: %v", names)
	}
}

func TestUniqueName(t *testing.T) {
	a, b := uniqueName("seqtx_test_"), uniqueName("seqtx_test_")
	if a == b {
		t.Errorf("expected distinct names, got %s twice", a)
	}
	if len(a) != len("seqtx_test_")+12 {
		t.Errorf("unexpected name length: %s", a)
	}
}
