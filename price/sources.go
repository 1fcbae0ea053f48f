package price

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	akkudoktorPricesURL = "https://api.akkudoktor.net/prices"
	tibberURL           = "https://api.tibber.com/v1-beta/gql"
	smartenergyURL      = "https://apis.smartenergy.at/market/v1/price"
)

const tibberQuery = `{ viewer { homes { currentSubscription { priceInfo {
today { total energy startsAt }
tomorrow { total energy startsAt }
} } } } }`

type tibberPricePoint struct {
	Total    float64 `json:"total"`
	Energy   float64 `json:"energy"`
	StartsAt string  `json:"startsAt"`
}

type tibberResponse struct {
	Data struct {
		Viewer struct {
			Homes []struct {
				CurrentSubscription struct {
					PriceInfo struct {
						Today    []tibberPricePoint `json:"today"`
						Tomorrow []tibberPricePoint `json:"tomorrow"`
					} `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
}

// fetchTibber pulls today's and tomorrow's hourly prices from the Tibber
// GraphQL API. Tibber reports EUR/kWh, so values are divided by 1000.
func (p *Provider) fetchTibber(now time.Time) (total, direct []float64, err error) {
	body, err := json.Marshal(map[string]string{"query": tibberQuery})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequest("POST", tibberURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)

	response, err := p.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("query tibber: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	parsed := tibberResponse{}
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return nil, nil, fmt.Errorf("parse body: %w", err)
	}

	homes := parsed.Data.Viewer.Homes
	if len(homes) == 0 {
		return nil, nil, fmt.Errorf("no homes in tibber response")
	}
	info := homes[0].CurrentSubscription.PriceInfo
	if len(info.Today) == 0 {
		return nil, nil, fmt.Errorf("no prices in tibber response")
	}

	points := append(append([]tibberPricePoint(nil), info.Today...), info.Tomorrow...)
	for _, point := range points {
		total = append(total, point.Total/1000)
		direct = append(direct, point.Energy/1000)
	}

	total = sliceFromHour(total, now.Hour())
	direct = sliceFromHour(direct, now.Hour())
	return extendToPlanHours(total), extendToPlanHours(direct), nil
}

type akkudoktorPrice struct {
	StartTimestamp int64   `json:"start_timestamp"`
	Price          float64 `json:"marketpriceEurocentPerKWh"`
}

type akkudoktorPricesResponse struct {
	Values []akkudoktorPrice `json:"values"`
}

// fetchAkkudoktor pulls hourly market prices for today and tomorrow.
// The API reports Eurocent/kWh, so values are divided by 100000.
func (p *Provider) fetchAkkudoktor(now time.Time) (total, direct []float64, err error) {
	url := fmt.Sprintf("%s?start=%s&end=%s",
		akkudoktorPricesURL,
		now.Format("2006-01-02"),
		now.AddDate(0, 0, 1).Format("2006-01-02"),
	)

	response, err := p.httpClient.Get(url)
	if err != nil {
		return nil, nil, fmt.Errorf("get akkudoktor prices: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	parsed := akkudoktorPricesResponse{}
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return nil, nil, fmt.Errorf("parse body: %w", err)
	}
	if len(parsed.Values) == 0 {
		return nil, nil, fmt.Errorf("no prices in akkudoktor response")
	}

	var prices []float64
	for _, value := range parsed.Values {
		prices = append(prices, value.Price/100000)
	}

	prices = sliceFromHour(prices, now.Hour())
	prices = extendToPlanHours(prices)
	return prices, append([]float64(nil), prices...), nil
}

type smartenergyResponse struct {
	Data []struct {
		Date  string  `json:"date"`
		Value float64 `json:"value"` // Eurocent/kWh in 15 minute slots
	} `json:"data"`
}

// fetchSmartenergy pulls the Austrian market price, averaging the 15 minute
// slots into hourly values.
func (p *Provider) fetchSmartenergy(now time.Time) (total, direct []float64, err error) {
	response, err := p.httpClient.Get(smartenergyURL)
	if err != nil {
		return nil, nil, fmt.Errorf("get smartenergy prices: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("unexpected status code: %d", response.StatusCode)
	}

	parsed := smartenergyResponse{}
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return nil, nil, fmt.Errorf("parse body: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, nil, fmt.Errorf("no prices in smartenergy response")
	}

	type bucket struct {
		sum   float64
		count int
	}
	hourly := map[time.Time]*bucket{}
	var hours []time.Time
	for _, entry := range parsed.Data {
		t, err := time.Parse(time.RFC3339, entry.Date)
		if err != nil {
			continue
		}
		hour := t.In(p.location).Truncate(time.Hour)
		b, ok := hourly[hour]
		if !ok {
			b = &bucket{}
			hourly[hour] = b
			hours = append(hours, hour)
		}
		b.sum += entry.Value / 100000
		b.count++
	}

	var prices []float64
	for _, hour := range hours {
		if hour.Before(now) {
			continue
		}
		b := hourly[hour]
		prices = append(prices, b.sum/float64(b.count))
	}
	if len(prices) == 0 {
		return nil, nil, fmt.Errorf("no future prices in smartenergy response")
	}

	prices = extendToPlanHours(prices)
	return prices, append([]float64(nil), prices...), nil
}

// fixed24h serves the configured constant tariff, rotated so index 0 is the
// current hour. Config values are ct/kWh.
func (p *Provider) fixed24h(now time.Time) (total, direct []float64, err error) {
	if len(p.cfg.Fixed24hArray) != 24 {
		return nil, nil, fmt.Errorf("fixed_24h_array must contain exactly 24 entries, got %d", len(p.cfg.Fixed24hArray))
	}

	var prices []float64
	for hour := 0; hour < 24; hour++ {
		prices = append(prices, p.cfg.Fixed24hArray[(now.Hour()+hour)%24]/100000)
	}

	prices = extendToPlanHours(prices)
	return prices, append([]float64(nil), prices...), nil
}

// sliceFromHour drops the hours of today that have already passed, so index 0
// of the result is the current hour.
func sliceFromHour(prices []float64, hour int) []float64 {
	if hour >= len(prices) {
		return nil
	}
	return prices[hour:]
}
