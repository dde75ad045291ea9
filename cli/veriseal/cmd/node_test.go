package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veriseal-org/veriseal/consensus"
	test "github.com/veriseal-org/veriseal/internal/testutils"
	testlogr "github.com/veriseal-org/veriseal/internal/testutils/logger"
	testnet "github.com/veriseal-org/veriseal/internal/testutils/net"
	"github.com/veriseal-org/veriseal/verification"
)

type envVar [2]string

func TestNodeConfig_EnvAndFlags(t *testing.T) {
	tmpDir := t.TempDir()
	logCfgFilename := filepath.Join(tmpDir, "custom-log-conf.yaml")

	// custom log cfg file with minimal content
	require.NoError(t, os.WriteFile(logCfgFilename, []byte(`defaultLevel: "debug"`), 0666))

	tests := []struct {
		args           string   // arguments as a space separated string
		envVars        []envVar // Environment variables that will be set before creating command
		expectedConfig *nodeConfiguration
	}{
		// Base configuration permutations
		{
			args:           "node",
			expectedConfig: defaultNodeConfiguration(),
		}, {
			args: "node --home=/custom-home",
			expectedConfig: func() *nodeConfiguration {
				sc := defaultNodeConfiguration()
				sc.Base = &baseConfiguration{
					HomeDir:    "/custom-home",
					CfgFile:    filepath.Join("/custom-home", defaultConfigFile),
					LogCfgFile: defaultLoggerConfigFile,
				}
				return sc
			}(),
		}, {
			args: "node --home=/custom-home --config=custom-config.props",
			expectedConfig: func() *nodeConfiguration {
				sc := defaultNodeConfiguration()
				sc.Base = &baseConfiguration{
					HomeDir:    "/custom-home",
					CfgFile:    "/custom-home/custom-config.props",
					LogCfgFile: defaultLoggerConfigFile,
				}
				return sc
			}(),
		}, {
			args: "node --config=custom-config.props",
			expectedConfig: func() *nodeConfiguration {
				sc := defaultNodeConfiguration()
				sc.Base = &baseConfiguration{
					HomeDir:    verisealHomeDir(),
					CfgFile:    verisealHomeDir() + "/custom-config.props",
					LogCfgFile: defaultLoggerConfigFile,
				}
				return sc
			}(),
		},
		// Node configuration from flags
		{
			args: "node --rest-server-address=srv:1234",
			expectedConfig: func() *nodeConfiguration {
				sc := defaultNodeConfiguration()
				sc.RESTServerAddr = "srv:1234"
				return sc
			}(),
		},
		{
			args: "node --node-count=9 --quorum-ratio=0.75 --pending-ttl=90s --queue-size=64 --contract-version=v2 --contract-clauses=output,provenance",
			expectedConfig: func() *nodeConfiguration {
				sc := defaultNodeConfiguration()
				sc.NodeCount = 9
				sc.QuorumRatio = 0.75
				sc.PendingTTL = 90 * time.Second
				sc.QueueSize = 64
				sc.ContractVersion = "v2"
				sc.ContractClauses = []string{"output", "provenance"}
				return sc
			}(),
		},
		// Node configuration from ENV
		{
			args: "node",
			envVars: []envVar{
				{"VS_REST_SERVER_ADDRESS", "srv:1234"},
			},
			expectedConfig: func() *nodeConfiguration {
				sc := defaultNodeConfiguration()
				sc.RESTServerAddr = "srv:1234"
				return sc
			}(),
		}, {
			args: "node --rest-server-address=srv:666",
			envVars: []envVar{
				{"VS_REST_SERVER_ADDRESS", "srv:1234"},
			},
			expectedConfig: func() *nodeConfiguration {
				sc := defaultNodeConfiguration()
				sc.RESTServerAddr = "srv:666"
				return sc
			}(),
		}, {
			args: "node --home=/custom-home-1",
			envVars: []envVar{
				{"VS_HOME", "/custom-home-2"},
				{"VS_CONFIG", "custom-config.props"},
				{"VS_LOGGER_CONFIG", logCfgFilename},
			},
			expectedConfig: func() *nodeConfiguration {
				sc := defaultNodeConfiguration()
				sc.Base = &baseConfiguration{
					HomeDir:    "/custom-home-1",
					CfgFile:    "/custom-home-1/custom-config.props",
					LogCfgFile: logCfgFilename,
				}
				return sc
			}(),
		}, {
			args: "node",
			envVars: []envVar{
				{"VS_HOME", "/custom-home"},
				{"VS_CONFIG", "custom-config.props"},
			},
			expectedConfig: func() *nodeConfiguration {
				sc := defaultNodeConfiguration()
				sc.Base = &baseConfiguration{
					HomeDir:    "/custom-home",
					CfgFile:    "/custom-home/custom-config.props",
					LogCfgFile: defaultLoggerConfigFile,
				}
				return sc
			}(),
		}, {
			args: "node",
			envVars: []envVar{
				{"VS_NODE_COUNT", "7"},
				{"VS_QUORUM_RATIO", "0.8"},
				{"VS_QUEUE_SIZE", "32"},
			},
			expectedConfig: func() *nodeConfiguration {
				sc := defaultNodeConfiguration()
				sc.NodeCount = 7
				sc.QuorumRatio = 0.8
				sc.QueueSize = 32
				return sc
			}(),
		},
	}
	for _, tt := range tests {
		t.Run("node_conf|"+tt.args+"|"+envVarsStr(tt.envVars), func(t *testing.T) {
			var actualConfig *nodeConfiguration
			runFunc := func(ctx context.Context, sc *nodeConfiguration) error {
				actualConfig = sc
				return nil
			}

			// Set environment variables only for single test.
			for _, en := range tt.envVars {
				err := os.Setenv(en[0], en[1])
				require.NoError(t, err)
				defer os.Unsetenv(en[0])
			}

			app := New(testlogr.LoggerBuilder(t), Opts.NodeRunFunc(runFunc))
			app.baseCmd.SetArgs(strings.Split(tt.args, " "))
			err := app.Execute(context.Background())
			require.NoError(t, err, "executing app command")
			// do not compare the logger and observability implementations
			actualConfig.Base.loggerBuilder = nil
			actualConfig.Base.observe = nil
			require.Equal(t, tt.expectedConfig, actualConfig)
		})
	}
}

func TestNodeConfig_ConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	logCfgFilename := filepath.Join(tmpDir, "custom-log-conf.yaml")

	configFileContents := `
rest-server-address: "srv:1234"
node-count: 11
logger-config: "` + logCfgFilename + `"
`

	// custom log cfg file must exist so store one value there
	require.NoError(t, os.WriteFile(logCfgFilename, []byte(`defaultLevel: "debug"`), 0666))

	cfgFilename := filepath.Join(tmpDir, "custom-conf.yaml")
	require.NoError(t, os.WriteFile(cfgFilename, []byte(configFileContents), 0666))

	expectedConfig := defaultNodeConfiguration()
	expectedConfig.Base.CfgFile = cfgFilename
	expectedConfig.Base.LogCfgFile = logCfgFilename
	expectedConfig.RESTServerAddr = "srv:1234"
	expectedConfig.NodeCount = 11

	// Set up runner mock
	var actualConfig *nodeConfiguration
	runFunc := func(ctx context.Context, sc *nodeConfiguration) error {
		actualConfig = sc
		return nil
	}

	app := New(testlogr.LoggerBuilder(t), Opts.NodeRunFunc(runFunc))
	args := "node --config=" + cfgFilename
	app.baseCmd.SetArgs(strings.Split(args, " "))
	err := app.Execute(context.Background())
	require.NoError(t, err, "executing app command")
	// do not compare the logger and observability implementations
	actualConfig.Base.loggerBuilder = nil
	actualConfig.Base.observe = nil
	require.Equal(t, expectedConfig, actualConfig)
}

func TestRunNode_Ok(t *testing.T) {
	homeDir := t.TempDir()
	restAddr := fmt.Sprintf("127.0.0.1:%d", testnet.GetFreeRandomPort(t))
	ctx, ctxCancel := context.WithCancel(context.Background())

	// start the node in background
	appStoppedWg := sync.WaitGroup{}
	appStoppedWg.Add(1)
	go func() {
		defer appStoppedWg.Done()
		app := New(testlogr.LoggerBuilder(t))
		args := "node --home " + homeDir +
			" --node-count 3" +
			" --rest-server-address " + restAddr
		app.baseCmd.SetArgs(strings.Split(args, " "))

		err := app.Execute(ctx)
		require.ErrorIs(t, err, context.Canceled)
	}()

	t.Log("Started verification node and dialing...")

	// wait for the REST server to start
	require.Eventually(t, func() bool {
		rsp, err := http.Get("http://" + restAddr + "/api/v1/network/status")
		if err != nil {
			return false
		}
		defer rsp.Body.Close()
		return rsp.StatusCode == http.StatusOK
	}, test.WaitDuration, test.WaitTick)

	// submit an execution output and read the verification back
	body, err := json.Marshal(map[string]any{"output": []byte("node smoke output")})
	require.NoError(t, err)
	rsp, err := http.Post("http://"+restAddr+"/api/v1/verifications", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer rsp.Body.Close()
	require.Equal(t, http.StatusAccepted, rsp.StatusCode)
	vr := &verification.VerificationRequest{}
	require.NoError(t, json.NewDecoder(rsp.Body).Decode(vr))
	require.NotEmpty(t, vr.VerificationID)

	statusRsp, err := http.Get("http://" + restAddr + "/api/v1/verifications/" + vr.VerificationID)
	require.NoError(t, err)
	defer statusRsp.Body.Close()
	require.Equal(t, http.StatusOK, statusRsp.StatusCode)
	res := &verification.Result{}
	require.NoError(t, json.NewDecoder(statusRsp.Body).Decode(res))
	require.Equal(t, verification.StatusPending, res.Status)

	// Close the app
	ctxCancel()
	// Wait for test asserts to be completed
	appStoppedWg.Wait()
}

func defaultNodeConfiguration() *nodeConfiguration {
	return &nodeConfiguration{
		Base: &baseConfiguration{
			HomeDir:    verisealHomeDir(),
			CfgFile:    filepath.Join(verisealHomeDir(), defaultConfigFile),
			LogCfgFile: defaultLoggerConfigFile,
		},
		RESTServerAddr: "localhost:8540",
		NodeCount:      5,
		QuorumRatio:    consensus.DefaultThresholdRatio,
		PendingTTL:     verification.DefaultPendingTTL,
		QueueSize:      128,
	}
}

func envVarsStr(envVars []envVar) (out string) {
	if len(envVars) == 0 {
		return
	}
	out += "ENV:"
	for i, ev := range envVars {
		if i > 0 {
			out += "&"
		}
		out += ev[0] + "=" + ev[1]
	}
	return
}
