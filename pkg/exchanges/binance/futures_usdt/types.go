package futures_usdt

import (
	"strconv"
	"strings"

	"coretrader/pkg/crypto"
	"coretrader/pkg/exchanges/common"
)

type FuturesBalance struct {
	Asset              string `json:"asset"`
	Balance            string `json:"balance"`
	CrossWalletBalance string `json:"crossWalletBalance"`
	CrossUnPnl         string `json:"crossUnPnl"`
	AvailableBalance   string `json:"availableBalance"`
	AccountAlias       string `json:"accountAlias,omitempty"`
}

func mapStatus(s string) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

// positionSideParam maps a resolved PositionDirection onto the futures API's
// positionSide string. Only meaningful in hedge mode; one-way accounts must
// not send this parameter at all.
func positionSideParam(dir common.PositionDirection) string {
	switch dir {
	case common.DirectionLong:
		return "LONG"
	case common.DirectionShort:
		return "SHORT"
	default:
		return ""
	}
}

func sign(data, secret string) string {
	return crypto.SignHMAC(data, secret)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
