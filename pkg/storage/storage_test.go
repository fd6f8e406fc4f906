package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewAzureBlobClient(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	tests := []struct {
		name             string
		connectionString string
		containerName    string
		errContains      string
	}{
		{
			name:          "empty connection string",
			containerName: "forcing",
			errContains:   "connection string is required",
		},
		{
			name:             "empty container name",
			connectionString: "DefaultEndpointsProtocol=https;AccountName=test;AccountKey=dGVzdA==;EndpointSuffix=core.windows.net",
			errContains:      "container name is required",
		},
		{
			name:             "missing key",
			connectionString: "AccountName=test",
			containerName:    "forcing",
			errContains:      "account name and key",
		},
		{
			name:             "azurite endpoint",
			connectionString: "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=dGVzdA==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1",
			containerName:    "forcing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewAzureBlobClient(tt.connectionString, tt.containerName, logger)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Nil(t, client)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "http://127.0.0.1:10000/devstoreaccount1", client.serviceURL)
		})
	}
}

func TestServiceURL(t *testing.T) {
	params := ParseConnectionString("DefaultEndpointsProtocol=https;AccountName=hydro;AccountKey=abc==;EndpointSuffix=core.windows.net")
	assert.Equal(t, "abc==", params["AccountKey"])
	assert.Equal(t, "https://hydro.blob.core.windows.net", ServiceURL(params))
}

func TestExtractBlobPath(t *testing.T) {
	svc := "https://hydro.blob.core.windows.net"
	tests := map[string]string{
		"forcing/cat-1.csv":                    "forcing/cat-1.csv",
		"/runs/forcing/cat-1.csv":              "forcing/cat-1.csv",
		svc + "/runs/forcing/cat-1.csv":        "forcing/cat-1.csv",
		svc + "/runs/forcing/cat-1.csv?sig=xx": "forcing/cat-1.csv",
		"runs/forcing/cat%2D1.csv":             "forcing/cat-1.csv",
	}
	for in, want := range tests {
		got, err := ExtractBlobPath(svc, "runs", in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ExtractBlobPath(svc, "runs", "  ")
	assert.Error(t, err)
	_, err = ExtractBlobPath(svc, "runs", svc+"/runs/")
	assert.Error(t, err)
}

type memStore struct {
	blobs map[string][]byte
	meta  map[string]map[string]string
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}, meta: map[string]map[string]string{}}
}

func (m *memStore) Upload(_ context.Context, path string, data []byte, _ string, md map[string]string) (string, error) {
	m.blobs[path] = append([]byte(nil), data...)
	m.meta[path] = md
	return "mem://" + path, nil
}

func (m *memStore) Download(_ context.Context, path string) ([]byte, error) {
	d, ok := m.blobs[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return d, nil
}

func TestPlanFileClient(t *testing.T) {
	store := newMemStore()
	c := NewPlanFileClient(store, nil)
	ctx := context.Background()

	ref, err := c.Publish(ctx, "run-1", []byte(`[{"id":0}]`), 2)
	require.NoError(t, err)
	assert.Equal(t, "mem://partitions/run-1/partition.json", ref)
	assert.Equal(t, "2", store.meta[PlanFilePath("run-1")]["workers"])

	data, err := c.Fetch(ctx, "run-1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":0}]`, string(data))

	_, err = c.Fetch(ctx, "run-2")
	assert.Error(t, err)

	_, err = NewPlanFileClient(nil, nil).Fetch(ctx, "run-1")
	assert.Error(t, err)
}

func TestForcingPattern(t *testing.T) {
	assert.Equal(t, "forcing/{id}.csv", ForcingPattern(""))
	assert.Equal(t, "in/2015/{id}.csv", ForcingPattern("in/2015"))
}
