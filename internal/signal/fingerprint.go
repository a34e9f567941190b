package signal

import (
	"hash/fnv"
	"strconv"
)

// Fingerprint is a 64-bit content digest over (symbol, side, strategy id,
// timestamp truncated to one-minute granularity). Two signals sharing a
// fingerprint within the dedup window are treated as the same signal.
func (s Signal) Fingerprint() uint64 {
	h := fnv.New64a()
	minute := s.Timestamp.Unix() / 60
	h.Write([]byte(s.Symbol))
	h.Write([]byte{0})
	h.Write([]byte(s.Side))
	h.Write([]byte{0})
	h.Write([]byte(s.StrategyID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(minute, 10)))
	return h.Sum64()
}
