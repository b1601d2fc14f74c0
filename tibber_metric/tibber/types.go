package tibber

import (
	"encoding/json"
	"strings"
	"time"
)

// graphqlRequest is the POST body of a GraphQL call
type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// graphqlResponse wraps the data of a GraphQL response
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

type graphqlErrors []graphqlError

func (e graphqlErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ge := range e {
		msgs = append(msgs, ge.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

func (e graphqlErrors) unauthenticated() bool {
	for _, ge := range e {
		if ge.Extensions.Code == "UNAUTHENTICATED" {
			return true
		}
	}
	return false
}

// homesData is the response of the homes query
type homesData struct {
	Viewer struct {
		Homes []homeNode `json:"homes"`
	} `json:"viewer"`
}

type homeNode struct {
	ID          string `json:"id"`
	TimeZone    string `json:"timeZone"`
	AppNickname string `json:"appNickname"`
}

// consumptionData is the response of the consumption query
type consumptionData struct {
	Viewer struct {
		Home struct {
			Consumption *struct {
				Nodes []consumptionNode `json:"nodes"`
			} `json:"consumption"`
		} `json:"home"`
	} `json:"viewer"`
}

type consumptionNode struct {
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Cost        *float64  `json:"cost"`
	Consumption *float64  `json:"consumption"`
}

// productionData is the response of the production query
type productionData struct {
	Viewer struct {
		Home struct {
			Production *struct {
				Nodes []productionNode `json:"nodes"`
			} `json:"production"`
		} `json:"home"`
	} `json:"viewer"`
}

type productionNode struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Profit     *float64  `json:"profit"`
	Production *float64  `json:"production"`
}

// priceData is the response of the price query
type priceData struct {
	Viewer struct {
		Home struct {
			CurrentSubscription *struct {
				PriceInfo struct {
					Current *priceNode  `json:"current"`
					Today   []priceNode `json:"today"`
				} `json:"priceInfo"`
			} `json:"currentSubscription"`
		} `json:"home"`
	} `json:"viewer"`
}

type priceNode struct {
	Total    float64   `json:"total"`
	StartsAt time.Time `json:"startsAt"`
	Level    string    `json:"level"`
}
