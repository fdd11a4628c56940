// Package client talks to a running daemon over its Unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/multichat/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method. Errors carry the engine's error kind.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return nil, api.FromStatus("client."+method, err)
	}
	return out.AsMap(), nil
}

// Watch streams bus events under namespace (everything when empty) to fn
// until ctx ends or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespace, accountID string, fn func(map[string]any) error) error {
	in, err := structpb.NewStruct(map[string]any{"namespace": namespace, "accountId": accountID})
	if err != nil {
		return err
	}
	stream, err := c.conn.NewStream(ctx, &api.WatchStream, api.FullMethod(api.MethodWatch))
	if err != nil {
		return api.FromStatus("client.watch", err)
	}
	if err := stream.SendMsg(in); err != nil {
		return api.FromStatus("client.watch", err)
	}
	if err := stream.CloseSend(); err != nil {
		return api.FromStatus("client.watch", err)
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return api.FromStatus("client.watch", err)
		}
		if err := fn(evt.AsMap()); err != nil {
			return err
		}
	}
}

// Accounts lists accounts and returns the active id.
func (c *Client) Accounts(ctx context.Context) ([]any, string, error) {
	out, err := c.Call(ctx, api.MethodListAccounts, nil)
	if err != nil {
		return nil, "", err
	}
	active, _ := out["activeId"].(string)
	accounts, _ := out["accounts"].([]any)
	return accounts, active, nil
}
