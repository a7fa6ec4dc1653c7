package replica

import (
	"fmt"
	"math"
)

const (
	// InvalidSequenceNumber marks an unknown or unset sequence number.
	InvalidSequenceNumber int64 = -1
	// MaxSequenceNumber sorts after every assigned sequence number.
	MaxSequenceNumber int64 = math.MaxInt64
	// InvalidAtomicGroupID is carried by operations outside any atomic group.
	InvalidAtomicGroupID int64 = -1
)

// Epoch identifies a configuration era of the partition.
type Epoch struct {
	DataLossNumber      int64
	ConfigurationNumber int64
}

// Compare orders epochs by data loss number and then configuration number.
func (e Epoch) Compare(o Epoch) int {
	switch {
	case e.DataLossNumber < o.DataLossNumber:
		return -1
	case e.DataLossNumber > o.DataLossNumber:
		return 1
	case e.ConfigurationNumber < o.ConfigurationNumber:
		return -1
	case e.ConfigurationNumber > o.ConfigurationNumber:
		return 1
	default:
		return 0
	}
}

// Less reports whether e is older than o.
func (e Epoch) Less(o Epoch) bool { return e.Compare(o) < 0 }

func (e Epoch) String() string {
	return fmt.Sprintf("%d:%d", e.DataLossNumber, e.ConfigurationNumber)
}
