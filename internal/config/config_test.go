package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockPoolConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BlockPoolConfig
		wantErr bool
	}{
		{
			name: "valid",
			cfg:  BlockPoolConfig{InitialSizeMB: 64, IncreaseSizeMB: 64, MaxRegions: 16, Buckets: 8},
		},
		{
			name:    "initial size below clamp",
			cfg:     BlockPoolConfig{InitialSizeMB: 32, IncreaseSizeMB: 64, MaxRegions: 16, Buckets: 8},
			wantErr: true,
		},
		{
			name:    "max_regions above cap",
			cfg:     BlockPoolConfig{InitialSizeMB: 64, IncreaseSizeMB: 64, MaxRegions: 17, Buckets: 8},
			wantErr: true,
		},
		{
			name:    "max_regions zero",
			cfg:     BlockPoolConfig{InitialSizeMB: 64, IncreaseSizeMB: 64, MaxRegions: 0, Buckets: 8},
			wantErr: true,
		},
		{
			name:    "buckets zero",
			cfg:     BlockPoolConfig{InitialSizeMB: 64, IncreaseSizeMB: 64, MaxRegions: 16, Buckets: 0},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RDMAPOOL_DATA_DIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, dir, cfg.DataDir)
	require.Equal(t, "info", cfg.LogLevel)
	require.EqualValues(t, 64, cfg.BlockPool.InitialSizeMB)
	require.EqualValues(t, 64, cfg.BlockPool.IncreaseSizeMB)
	require.Equal(t, 16, cfg.BlockPool.MaxRegions)
	require.Equal(t, 8, cfg.BlockPool.Buckets)
	require.EqualValues(t, 8192, cfg.BlockPool.BaseBlockSizeBytes)
	require.Equal(t, 1024, cfg.CM.Backlog)
	require.Equal(t, ":9001", cfg.Admin.ListenAddr)
	require.NotEmpty(t, cfg.NodeID)
}

func TestLoadPersistsGeneratedNodeID(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RDMAPOOL_DATA_DIR", dir)

	cfg1, err := Load("")
	require.NoError(t, err)

	cfg2, err := Load("")
	require.NoError(t, err)

	require.Equal(t, cfg1.NodeID, cfg2.NodeID, "second Load must reuse the persisted node ID")

	data, err := os.ReadFile(filepath.Join(dir, "node-id"))
	require.NoError(t, err)
	require.Equal(t, cfg1.NodeID, string(data))
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RDMAPOOL_DATA_DIR", dir)
	t.Setenv("RDMAPOOL_LOG_LEVEL", "verbose")

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadRejectsInvalidBlockPoolConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RDMAPOOL_DATA_DIR", dir)
	t.Setenv("RDMAPOOL_BLOCKPOOL_MAX_REGIONS", "64")

	_, err := Load("")
	require.Error(t, err)
}

func TestValidatePathRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	err := validatePath(dir, filepath.Join(dir, "..", "escaped"))
	require.Error(t, err)
}
