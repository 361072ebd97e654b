package cmn

import (
	"fmt"

	"github.com/golang/glog"
)

// Assert panics with file:line when cond is false. Reserved for invariants
// that must never fail in a correct build (corrupted range-tree state,
// lock-hierarchy violations) -- not for recoverable input errors.
func Assert(cond bool) {
	if !cond {
		glog.Flush()
		panic("assertion failed")
	}
}

func AssertMsg(cond bool, msg string) {
	if !cond {
		glog.Flush()
		panic("assertion failed: " + msg)
	}
}

func AssertNoErr(err error) {
	if err != nil {
		glog.Flush()
		panic(err)
	}
}

func AssertFunc(cond bool, v ...interface{}) {
	if !cond {
		glog.Flush()
		panic(fmt.Sprint("assertion failed: ", v))
	}
}
