package memory

import (
	"strings"
	"testing"

	"kobocat/testutil"
)

func TestMemoryStoreDependsOnlyOnDomain(t *testing.T) {
	forbidden := func(path string) bool {
		return strings.HasPrefix(path, "kobocat/") && path != "kobocat/pkg/domain"
	}
	testutil.AssertNoDirectImports(t, ".", forbidden, "the memory store sits directly on the domain model")
	testutil.AssertNoDirectImports(t, ".", testutil.DriverImportForbidden, "the memory store needs no driver")
}
