package canalyzer

import "fmt"

// Stats are the per interface counters, reset on every Open.
type Stats struct {
	RxFrames   uint64
	TxFrames   uint64
	RxErrors   uint64
	TxErrors   uint64
	RxOverruns uint64
	TxDropped  uint64
}

func (st Stats) String() string {
	return fmt.Sprintf("rx: %d tx: %d rx errors: %d tx errors: %d overruns: %d dropped: %d",
		st.RxFrames, st.TxFrames, st.RxErrors, st.TxErrors, st.RxOverruns, st.TxDropped)
}
