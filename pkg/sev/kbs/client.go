// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package kbs

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName     = "keybroker.KeyBrokerService"
	getBundleMethod = "/" + serviceName + "/GetBundle"
	getSecretMethod = "/" + serviceName + "/GetSecret"
)

var kbsLog = logrus.WithField("subsystem", "kbs")

// SetLogger sets the logger for the kbs package.
func SetLogger(logger *logrus.Entry) {
	fields := kbsLog.Data
	kbsLog = logger.WithFields(fields)
}

// codec marshals the hand encoded broker messages.
type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, errors.Errorf("kbs: cannot marshal %T", v)
	}
	return m.marshal(), nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(message)
	if !ok {
		return errors.Errorf("kbs: cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

func (codec) Name() string {
	return "proto"
}

// Client is a keybroker service client.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for the broker at target. The connection is
// established lazily on the first call.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(codec{})),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "creating broker client for %s", target)
	}

	return &Client{conn: conn}, nil
}

// GetBundle requests the guest owner DH certificate and launch blob.
func (c *Client) GetBundle(ctx context.Context, req *BundleRequest) (*BundleResponse, error) {
	kbsLog.WithField("policy", req.Policy).Debug("requesting launch bundle")

	resp := &BundleResponse{}
	if err := c.conn.Invoke(ctx, getBundleMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// GetSecret hands the launch measurement to the broker and returns the
// wrapped secret on success.
func (c *Client) GetSecret(ctx context.Context, req *SecretRequest) (*SecretResponse, error) {
	kbsLog.WithFields(logrus.Fields{
		"launch-id": req.LaunchId,
		"requests":  len(req.SecretRequests),
	}).Debug("requesting launch secret")

	resp := &SecretResponse{}
	if err := c.conn.Invoke(ctx, getSecretMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
