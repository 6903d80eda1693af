package cnp

import (
	"testing"

	"nanolab/testutil"
)

func TestCoreHasNoStorageImports(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.AnyOf(
		testutil.InfraImportForbidden,
		testutil.PackagesForbidden(
			"nanolab/internal/blob",
			"nanolab/internal/persistence",
			"nanolab/internal/ingest",
			"nanolab/internal/export",
			"nanolab/internal/config",
		),
	), "the CNP core works on tables and suppliers only")
}
