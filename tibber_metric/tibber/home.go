package tibber

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/tibber_metric/aggregation"
)

const cursorLayout = "2006-01-02T15:04:05.000Z07:00"

// Home is a connected Tibber home. It serves historical records and prices
// for the aggregation engine.
type Home struct {
	client   *Client
	id       string
	nickname string
	loc      *time.Location
}

// ID returns the Tibber home id
func (h *Home) ID() string {
	return h.id
}

// Nickname returns the name given to the home in the Tibber app
func (h *Home) Nickname() string {
	return h.nickname
}

// Location returns the home's time zone
func (h *Home) Location() *time.Location {
	return h.loc
}

// FetchHistoric fetches consumption or production records.
// Anchored queries return at most q.Count records starting at q.Start.
func (h *Home) FetchHistoric(ctx context.Context, q aggregation.Query) ([]aggregation.Record, error) {
	if !q.Resolution.IsValid() {
		return nil, errors.Errorf("unsupported resolution %q", q.Resolution)
	}
	if q.Count <= 0 {
		return nil, nil
	}

	vars := map[string]interface{}{
		"homeId":     h.id,
		"resolution": string(q.Resolution),
	}
	if q.Start.IsZero() {
		vars["last"] = q.Count
	} else {
		// after is exclusive, so point the cursor one period before the start
		vars["first"] = q.Count + 1
		vars["after"] = cursor(q.Resolution.Step(q.Start.In(h.loc), -1))
	}

	var records []aggregation.Record
	if q.Production {
		var data productionData
		if err := h.client.do(ctx, productionQuery, vars, &data); err != nil {
			return nil, errors.Wrapf(err, "could not fetch %s", q)
		}
		if p := data.Viewer.Home.Production; p != nil {
			for _, n := range p.Nodes {
				records = append(records, aggregation.Record{From: n.From, Production: n.Production})
			}
		}
	} else {
		var data consumptionData
		if err := h.client.do(ctx, consumptionQuery, vars, &data); err != nil {
			return nil, errors.Wrapf(err, "could not fetch %s", q)
		}
		if c := data.Viewer.Home.Consumption; c != nil {
			for _, n := range c.Nodes {
				records = append(records, aggregation.Record{From: n.From, Cost: n.Cost, Consumption: n.Consumption})
			}
		}
	}

	if !q.Start.IsZero() {
		records = fromStart(records, q.Start)
	}
	if len(records) > q.Count {
		records = records[:q.Count]
	}

	h.client.logger.Debug("Fetched Tibber records",
		zap.Stringer("query", q),
		zap.Int("records", len(records)))
	return records, nil
}

// CurrentPrice returns the current total price and its rank among today's hourly prices
func (h *Home) CurrentPrice(ctx context.Context) (aggregation.Price, error) {
	var data priceData
	if err := h.client.do(ctx, priceQuery, map[string]interface{}{"homeId": h.id}, &data); err != nil {
		return aggregation.Price{}, errors.Wrap(err, "could not fetch current price")
	}

	sub := data.Viewer.Home.CurrentSubscription
	if sub == nil || sub.PriceInfo.Current == nil {
		return aggregation.Price{}, errors.Errorf("home %s has no active subscription price", h.id)
	}

	current := sub.PriceInfo.Current
	today := make([]float64, 0, len(sub.PriceInfo.Today))
	for _, p := range sub.PriceInfo.Today {
		today = append(today, p.Total)
	}

	return aggregation.Price{
		Total:    current.Total,
		Rank:     Rank(current.Total, today),
		Level:    current.Level,
		StartsAt: current.StartsAt,
	}, nil
}

// Rank is the fraction of prices strictly below price: 0 for the cheapest hour
func Rank(price float64, prices []float64) float64 {
	if len(prices) == 0 {
		return 0
	}
	below := 0
	for _, p := range prices {
		if p < price {
			below++
		}
	}
	return float64(below) / float64(len(prices))
}

func cursor(t time.Time) string {
	return base64.StdEncoding.EncodeToString([]byte(t.Format(cursorLayout)))
}

func fromStart(records []aggregation.Record, start time.Time) []aggregation.Record {
	for i, r := range records {
		if !r.From.Before(start) {
			return records[i:]
		}
	}
	return nil
}
