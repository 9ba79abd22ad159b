package live

import (
	"github.com/bytedance/sonic"
	"github.com/tos-network/tos-pool-api/internal/charts"
	"github.com/tos-network/tos-pool-api/internal/stats"
	"github.com/tos-network/tos-pool-api/internal/storage"
)

// LivePayload is the snapshot plus the metric of the requested participant
type LivePayload struct {
	*stats.Snapshot
	Miner stats.MinerMetric `json:"miner"`
}

// WorkerStats is one worker row in an address payload
type WorkerStats struct {
	Name      string `json:"name"`
	Hashrate  int64  `json:"hashrate"`
	LastShare int64  `json:"lastShare"`
	Hashes    uint64 `json:"hashes"`
}

// WorkerPayload is the per-address view
type WorkerPayload struct {
	Stats    map[string]interface{} `json:"stats"`
	Payments []string               `json:"payments"`
	Charts   *charts.UserCharts     `json:"charts"`
	Workers  []WorkerStats          `json:"workers"`
}

// NotFoundJSON is the encoded "Not found" error payload
var NotFoundJSON = []byte(`{"error":"Not found"}`)

// EncodeLive renders the live payload of state for address. The
// undefined address gets the zero metric.
func EncodeLive(state *stats.State, address string) ([]byte, error) {
	p := LivePayload{Snapshot: state.Snapshot}
	if address != "" && address != UndefinedAddress {
		p.Miner = state.Miner(address)
	}
	return sonic.Marshal(p)
}

func newWorkerPayload(address string, data *storage.AddressData, details []storage.WorkerDetail, userCharts *charts.UserCharts, state *stats.State) *WorkerPayload {
	metric := state.Miner(address)

	fields := make(map[string]interface{}, len(data.Record.Fields)+2)
	for k, v := range data.Record.Fields {
		fields[k] = v
	}
	fields["hashrate"] = metric.Hashrate
	fields["roundHashes"] = metric.RoundHashes

	workers := make([]WorkerStats, 0, len(details))
	for _, d := range details {
		key := storage.Participant{Address: address, Worker: d.Name}.String()
		workers = append(workers, WorkerStats{
			Name:      d.Name,
			Hashrate:  state.Miner(key).Hashrate,
			LastShare: d.LastShare,
			Hashes:    d.Hashes,
		})
	}

	return &WorkerPayload{
		Stats:    fields,
		Payments: storage.Flatten(data.Payments),
		Charts:   userCharts,
		Workers:  workers,
	}
}
