package ingest

import (
	"testing"

	"kobocat/testutil"
)

func TestIngestImportsNoDrivers(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.DriverImportForbidden, "storage and transport are reached through interfaces")
}
