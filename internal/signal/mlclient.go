package signal

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// MLClient reaches an external ML predictor over gRPC and translates its
// scored response into MLHints. The predictor itself — training, feature
// engineering, inference — stays out of scope; this client only transports
// and translates. No Signal is built from its MLHints and nothing passes
// them to HandleSignal: main.go's poll loop only logs failed calls.
type MLClient struct {
	conn   *grpc.ClientConn
	method string
}

// NewMLClient dials the predictor at addr. method is the fully-qualified
// gRPC method name the predictor exposes, e.g. "/mlpredictor.Predictor/Score".
func NewMLClient(addr, method string) (*MLClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &MLClient{conn: conn, method: method}, nil
}

func (c *MLClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Predict sends symbol plus arbitrary feature values and returns MLHints
// decoded from the predictor's {profit_probability, loss_probability,
// confidence} response, carried as a google.protobuf.Struct so no
// hand-generated message types are needed for a service this module never
// implements the other side of.
func (c *MLClient) Predict(ctx context.Context, symbol string, features map[string]float64) (*MLHints, error) {
	vals := make(map[string]any, len(features)+1)
	for k, v := range features {
		vals[k] = v
	}
	vals["symbol"] = symbol

	req, err := structpb.NewStruct(vals)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, c.method, req, resp); err != nil {
		return nil, err
	}

	return &MLHints{
		ProfitProbability: resp.Fields["profit_probability"].GetNumberValue(),
		LossProbability:   resp.Fields["loss_probability"].GetNumberValue(),
		Confidence:        resp.Fields["confidence"].GetNumberValue(),
	}, nil
}
