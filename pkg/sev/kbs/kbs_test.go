// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package kbs

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/encoding/protowire"
)

type fakeBroker struct {
	bundles []*BundleRequest
	secrets []*SecretRequest
	reject  error
}

func (b *fakeBroker) GetBundle(ctx context.Context, req *BundleRequest) (*BundleResponse, error) {
	b.bundles = append(b.bundles, req)
	return &BundleResponse{
		GuestOwnerPublicKey: "Z29kaA==",
		LaunchBlob:          "YmxvYg==",
		LaunchId:            "launch-1",
	}, nil
}

func (b *fakeBroker) GetSecret(ctx context.Context, req *SecretRequest) (*SecretResponse, error) {
	b.secrets = append(b.secrets, req)
	if b.reject != nil {
		return nil, b.reject
	}
	return &SecretResponse{LaunchSecretHeader: "aGVhZGVy", LaunchSecretData: "ZGF0YQ=="}, nil
}

func startBroker(t *testing.T, broker KeyBrokerServer) *Client {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(ServerCodec())
	RegisterKeyBrokerServer(srv, broker)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClientExchange(t *testing.T) {
	assert := assert.New(t)

	broker := &fakeBroker{}
	client := startBroker(t, broker)
	ctx := context.Background()

	bundle, err := client.GetBundle(ctx, &BundleRequest{CertificateChain: "Y2hhaW4=", Policy: 0x7})
	assert.NoError(err)
	assert.Equal("launch-1", bundle.LaunchId)
	assert.Equal("YmxvYg==", bundle.LaunchBlob)
	assert.Equal([]*BundleRequest{{CertificateChain: "Y2hhaW4=", Policy: 0x7}}, broker.bundles)

	req := &SecretRequest{
		LaunchMeasurement: "bWVhc3VyZQ==",
		LaunchId:          bundle.LaunchId,
		Policy:            0x7,
		ApiMajor:          1,
		ApiMinor:          52,
		BuildId:           4,
		FwDigest:          "ZGlnZXN0",
		SecretRequests: []*RequestDetails{
			{Guid: OfflineSecretGuid, Format: SecretFormat, SecretType: OfflineSecretType, Id: DefaultKeyset},
		},
		KernelPath: "/boot/vmlinuz",
		Cmdline:    "console=ttyS0",
		VmType:     "sev-es",
	}
	secret, err := client.GetSecret(ctx, req)
	assert.NoError(err)
	assert.Equal("aGVhZGVy", secret.LaunchSecretHeader)
	assert.Equal("ZGF0YQ==", secret.LaunchSecretData)

	require.Len(t, broker.secrets, 1)
	assert.Equal(req, broker.secrets[0])
}

func TestClientPropagatesStatus(t *testing.T) {
	broker := &fakeBroker{reject: status.Error(codes.PermissionDenied, "measurement mismatch")}
	client := startBroker(t, broker)

	_, err := client.GetSecret(context.Background(), &SecretRequest{LaunchId: "x"})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	assert := assert.New(t)

	b := (&BundleResponse{LaunchId: "id"}).marshal()
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 12345)

	resp := &BundleResponse{}
	assert.NoError(resp.unmarshal(b))
	assert.Equal("id", resp.LaunchId)

	// a string field sent as a varint is malformed
	bad := protowire.AppendTag(nil, 3, protowire.VarintType)
	bad = protowire.AppendVarint(bad, 1)
	assert.Error(resp.unmarshal(bad))

	assert.Error(resp.unmarshal([]byte{0xff}))
}

func TestCodecRejectsForeignTypes(t *testing.T) {
	assert := assert.New(t)

	_, err := codec{}.Marshal("string")
	assert.Error(err)
	assert.Error(codec{}.Unmarshal(nil, 42))
}

func TestConfigTarget(t *testing.T) {
	assert := assert.New(t)

	for proxy, target := range map[string]string{
		"http://10.0.0.1:44444":   "10.0.0.1:44444",
		"10.0.0.1:50051":          "10.0.0.1:50051",
		"kbs.example.com":         "kbs.example.com:44444",
		"http://kbs.example.com/": "kbs.example.com:44444",
	} {
		c := &GuestPreAttestationConfig{Proxy: proxy}
		assert.Equal(target, c.Target(), proxy)
	}
}

func TestConfigValid(t *testing.T) {
	assert := assert.New(t)

	c := GuestPreAttestationConfig{
		Proxy:         "10.0.0.1:44444",
		CertChainPath: "/var/cache/amd-sev/chain",
		Keyset:        DefaultKeyset,
		SecretGuid:    OfflineSecretGuid,
	}
	assert.NoError(c.Valid())

	noProxy := c
	noProxy.Proxy = ""
	assert.Error(noProxy.Valid())

	noChain := c
	noChain.CertChainPath = ""
	assert.Error(noChain.Valid())

	badGuid := c
	badGuid.SecretGuid = "not-a-guid"
	assert.Error(badGuid.Valid())
}
