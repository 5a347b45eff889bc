package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
ton:
  master_address: "0:1111111111111111111111111111111111111111111111111111111111111111"
  testnet: true
assets:
  - symbol: TON
    id: "11876925370864614464799087627157805050745321306404563164673853337929163193738"
    kind: base
    decimals: 9
  - symbol: USDT
    id: "0x91"
    kind: jetton
    jetton_wallet: "0:2222222222222222222222222222222222222222222222222222222222222222"
    decimals: 6
escalation:
  failure_threshold: 5
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsAndFile(t *testing.T) {
	t.Setenv("WALLET_MNEMONIC", strings.TrimSpace(strings.Repeat("abandon ", 24)))

	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, 100, cfg.Indexer.PageSize)
	assert.Equal(t, 20*time.Second, cfg.Liquidator.Interval)
	assert.Equal(t, 3*time.Second, cfg.Escalation.Interval)
	assert.Equal(t, 45*time.Second, cfg.Escalation.PendingExpiry)
	assert.Equal(t, 30*time.Second, cfg.Escalation.ConfirmationTimeout)
	assert.Equal(t, 5, cfg.Escalation.FailureThreshold)

	windows := cfg.DedupWindows()
	assert.Equal(t, 60*time.Second, windows.Pending)
	assert.Equal(t, 45*time.Second, windows.Sent)
	assert.Equal(t, 10*time.Second, windows.Success)

	assert.Equal(t, "1000000000", cfg.TokenGasNano().String())
	assert.Equal(t, "700000000", cfg.ForwardAmountNano().String())

	reg := cfg.Registry()
	require.NotNil(t, reg)
	assert.Equal(t, "ton", reg.Base().Symbol)
	usdt, ok := reg.BySymbol("USDT")
	require.True(t, ok)
	assert.Equal(t, "145", usdt.ID.String())
	assert.NotEmpty(t, usdt.JettonWallet)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("WALLET_MNEMONIC", strings.TrimSpace(strings.Repeat("abandon ", 24)))
	t.Setenv("TON_LIQUIDATOR_STORAGE_TYPE", "postgres")
	t.Setenv("DATABASE_URL", "postgres://bot@localhost/liquidator")
	t.Setenv("TONAPI_KEY", "secret")

	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, "postgres://bot@localhost/liquidator", cfg.Storage.ConnectionString)
	assert.Equal(t, "secret", cfg.TON.APIKey)
}

func TestValidateRejectsBadAssets(t *testing.T) {
	t.Setenv("WALLET_MNEMONIC", strings.TrimSpace(strings.Repeat("abandon ", 24)))

	tests := []struct {
		name   string
		assets string
	}{
		{"no base asset", `
assets:
  - symbol: USDT
    id: "1"
    kind: jetton
    jetton_wallet: "0:2222222222222222222222222222222222222222222222222222222222222222"
`},
		{"two base assets", `
assets:
  - {symbol: TON, id: "1", kind: base}
  - {symbol: TON2, id: "2", kind: base}
`},
		{"duplicate id", `
assets:
  - {symbol: TON, id: "1", kind: base}
  - {symbol: USDT, id: "1", kind: jetton, jetton_wallet: "0:2222222222222222222222222222222222222222222222222222222222222222"}
`},
		{"jetton without wallet", `
assets:
  - {symbol: TON, id: "1", kind: base}
  - {symbol: USDT, id: "2", kind: jetton}
`},
		{"bad id", `
assets:
  - {symbol: TON, id: "ton", kind: base}
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := "ton:\n  master_address: \"0:1111111111111111111111111111111111111111111111111111111111111111\"\n" + tt.assets
			cfg, err := Load(writeConfig(t, body))
			require.NoError(t, err)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateRequiresWalletAndMaster(t *testing.T) {
	cfg, err := Load(writeConfig(t, testConfig))
	require.NoError(t, err)
	cfg.TON.WalletMnemonic = "too short"
	assert.Error(t, cfg.Validate())

	cfg.TON.WalletMnemonic = strings.TrimSpace(strings.Repeat("abandon ", 24))
	cfg.TON.MasterAddress = "not-an-address"
	assert.Error(t, cfg.Validate())
}
