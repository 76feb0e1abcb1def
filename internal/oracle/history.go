package oracle

import (
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// History records every price tick into influx for charting and model
// training. Writes are asynchronous and never block the price path.
type History struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewHistory creates a tick recorder.
func NewHistory(url, token, org, bucket string) *History {
	client := influxdb2.NewClient(url, token)
	return &History{
		client:   client,
		writeAPI: client.WriteAPI(org, bucket),
	}
}

// Record queues a tick for writing.
func (h *History) Record(quote Quote) {
	price, _ := quote.Price.Float64()
	point := influxdb2.NewPointWithMeasurement("commodity_price").
		AddTag("commodity", string(quote.Commodity)).
		AddField("price", price).
		SetTime(quote.AsOf)
	h.writeAPI.WritePoint(point)
}

// Close flushes pending writes and releases the client.
func (h *History) Close() {
	h.writeAPI.Flush()
	h.client.Close()
}
