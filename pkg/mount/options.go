package mount

import (
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
)

// ignoredOptions never show up in the mount table, or are decided by the
// readonly flag rather than compared literally
var ignoredOptions = sets.New("defaults", "auto", "bind", "ro", "rw", "_netdev", "nofail")

// CompareOptions reports whether a mount carrying actual options satisfies a
// request for requested options. Order does not matter and the kernel may add
// options of its own, so actual only has to be a superset of requested. The
// read-only state must equal readonly.
func CompareOptions(requested, actual []string, readonly bool) bool {
	have := sets.New(actual...)
	if have.Has("ro") != readonly {
		klog.V(4).Infof("Mount options %v do not match readonly=%t", actual, readonly)
		return false
	}

	want := sets.New[string]()
	for _, o := range requested {
		if o == "" || ignoredOptions.Has(o) || strings.HasPrefix(o, "x-") {
			continue
		}
		want.Insert(o)
	}

	if missing := want.Difference(have); missing.Len() > 0 {
		klog.V(4).Infof("Mount options %v are missing %v", actual, sets.List(missing))
		return false
	}
	return true
}
