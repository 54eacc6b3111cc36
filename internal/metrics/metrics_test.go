package metrics

import (
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveAmount(t *testing.T) {
	amount, _ := new(big.Int).SetString("2500000000000000000", 10)
	ObserveAmount("source", "0xaa", amount, 18)
	ObserveAmount("source", "0xaa", nil, 18)

	assert.Equal(t, 1, testutil.CollectAndCount(RelayAmount, "warden_relay_amount"))
}

func TestRelaysTotal(t *testing.T) {
	c := RelaysTotal.WithLabelValues("destination", "confirmed")
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}
