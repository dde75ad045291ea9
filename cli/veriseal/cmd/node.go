package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ainvaltin/httpsrv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/veriseal-org/veriseal/consensus"
	"github.com/veriseal-org/veriseal/keyvaluedb/boltdb"
	"github.com/veriseal-org/veriseal/network"
	"github.com/veriseal-org/veriseal/rpc"
	"github.com/veriseal-org/veriseal/seal"
	"github.com/veriseal-org/veriseal/timesync"
	"github.com/veriseal-org/veriseal/trust"
	"github.com/veriseal-org/veriseal/verification"
)

const (
	consensusStoreFileName    = "consensus.db"
	trustStoreFileName        = "trust.db"
	boundaryStoreFileName     = "boundaries.db"
	auditStoreFileName        = "audit.db"
	verificationStoreFileName = "verification.db"
)

type nodeConfiguration struct {
	Base *baseConfiguration

	RESTServerAddr     string
	ConsensusDBFile    string
	TrustDBFile        string
	BoundaryDBFile     string
	AuditDBFile        string
	VerificationDBFile string

	NodeCount       int
	QuorumRatio     float64
	PendingTTL      time.Duration
	QueueSize       uint
	ContractVersion string
	ContractClauses []string
}

// newNodeCmd creates a new cobra command for the verification node.
//
// nodeRunFn - set the function to override the default behavior. Meant for tests.
func newNodeCmd(baseConfig *baseConfiguration, nodeRunFn nodeRunnable) *cobra.Command {
	config := &nodeConfiguration{Base: baseConfig}
	var cmd = &cobra.Command{
		Use:   "node",
		Short: "Starts a verification node",
		Long:  `Starts the distributed verification service: the seal pipeline, consensus tallying, trust evaluation and the REST API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if nodeRunFn != nil {
				return nodeRunFn(cmd.Context(), config)
			}
			return runNode(cmd.Context(), config)
		},
	}

	cmd.Flags().StringVar(&config.RESTServerAddr, "rest-server-address", "localhost:8540", "address the REST API listens on")
	cmd.Flags().StringVar(&config.ConsensusDBFile, "consensus-db", "",
		fmt.Sprintf("path to the consensus record database (default %s)", filepath.Join("$VS_HOME", consensusStoreFileName)))
	cmd.Flags().StringVar(&config.TrustDBFile, "trust-db", "",
		fmt.Sprintf("path to the trust attribute database (default %s)", filepath.Join("$VS_HOME", trustStoreFileName)))
	cmd.Flags().StringVar(&config.BoundaryDBFile, "boundary-db", "",
		fmt.Sprintf("path to the trust boundary database (default %s)", filepath.Join("$VS_HOME", boundaryStoreFileName)))
	cmd.Flags().StringVar(&config.AuditDBFile, "audit-db", "",
		fmt.Sprintf("path to the trust verification audit database (default %s)", filepath.Join("$VS_HOME", auditStoreFileName)))
	cmd.Flags().StringVar(&config.VerificationDBFile, "verification-db", "",
		fmt.Sprintf("path to the verification request database (default %s)", filepath.Join("$VS_HOME", verificationStoreFileName)))

	cmd.Flags().IntVar(&config.NodeCount, "node-count", 5, "number of verification nodes to populate the network with on startup")
	cmd.Flags().Float64Var(&config.QuorumRatio, "quorum-ratio", consensus.DefaultThresholdRatio,
		"fraction of network nodes whose signatures assemble a threshold signature")
	cmd.Flags().DurationVar(&config.PendingTTL, "pending-ttl", verification.DefaultPendingTTL,
		"how long a verification request may stay pending before it is marked timed out")
	cmd.Flags().UintVar(&config.QueueSize, "queue-size", 128, "seal distribution queue capacity")
	cmd.Flags().StringVar(&config.ContractVersion, "contract-version", "", "verification contract version stamped on consensus records")
	cmd.Flags().StringSliceVar(&config.ContractClauses, "contract-clauses", nil, "verification contract clause tags stamped on consensus records")

	return cmd
}

func runNode(ctx context.Context, config *nodeConfiguration) error {
	obs := config.Base.observe
	log := obs.Logger()
	clock := timesync.New()

	consensusDB, err := openStore(config.ConsensusDBFile, config.Base.HomeDir, consensusStoreFileName)
	if err != nil {
		return fmt.Errorf("opening consensus database: %w", err)
	}
	defer consensusDB.Close()
	trustDB, err := openStore(config.TrustDBFile, config.Base.HomeDir, trustStoreFileName)
	if err != nil {
		return fmt.Errorf("opening trust database: %w", err)
	}
	defer trustDB.Close()
	boundaryDB, err := openStore(config.BoundaryDBFile, config.Base.HomeDir, boundaryStoreFileName)
	if err != nil {
		return fmt.Errorf("opening boundary database: %w", err)
	}
	defer boundaryDB.Close()
	auditDB, err := openStore(config.AuditDBFile, config.Base.HomeDir, auditStoreFileName)
	if err != nil {
		return fmt.Errorf("opening audit database: %w", err)
	}
	defer auditDB.Close()
	verificationDB, err := openStore(config.VerificationDBFile, config.Base.HomeDir, verificationStoreFileName)
	if err != nil {
		return fmt.Errorf("opening verification database: %w", err)
	}
	defer verificationDB.Close()

	sealer, err := seal.NewGenerator(clock, obs)
	if err != nil {
		return fmt.Errorf("creating seal generator: %w", err)
	}
	distributor, err := seal.NewDistributor(config.QueueSize, clock, obs)
	if err != nil {
		return fmt.Errorf("creating seal distributor: %w", err)
	}
	nodes, err := network.NewNodeManager(clock, obs)
	if err != nil {
		return fmt.Errorf("creating node manager: %w", err)
	}
	var consensusOpts []consensus.Option
	if config.ContractVersion != "" {
		consensusOpts = append(consensusOpts, consensus.WithContractMeta(config.ContractVersion, config.ContractClauses...))
	}
	votes, err := consensus.NewService(consensusDB, clock, obs, consensusOpts...)
	if err != nil {
		return fmt.Errorf("creating consensus service: %w", err)
	}
	signatures, err := consensus.NewSignatureAggregator(config.QuorumRatio)
	if err != nil {
		return fmt.Errorf("creating signature aggregator: %w", err)
	}
	entities, err := trust.NewAttributeStore(trustDB)
	if err != nil {
		return fmt.Errorf("creating trust attribute store: %w", err)
	}
	verifier, err := trust.NewVerificationSystem(entities, boundaryDB, auditDB, clock, obs)
	if err != nil {
		return fmt.Errorf("creating trust verification system: %w", err)
	}
	orchestrator, err := verification.NewOrchestrator(sealer, distributor, nodes, votes,
		trust.NewAggregationService(obs), verificationDB, clock, obs,
		verification.WithPendingTTL(config.PendingTTL))
	if err != nil {
		return fmt.Errorf("creating verification orchestrator: %w", err)
	}

	if config.NodeCount > 0 {
		topologyID, err := orchestrator.InitializeVerificationNetwork(ctx, config.NodeCount)
		if err != nil {
			return fmt.Errorf("initializing verification network: %w", err)
		}
		log.InfoContext(ctx, fmt.Sprintf("verification network topology %s ready", topologyID))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return orchestrator.Run(ctx) })

	g.Go(func() error {
		if config.RESTServerAddr == "" {
			return nil // the node can run without the API, do not kill the group
		}
		server := rpc.NewRESTServer(config.RESTServerAddr, rpc.DefaultMaxBodyBytes, obs,
			rpc.MetricsEndpoints(obs.MetricsHandler()),
			rpc.VerificationEndpoints(orchestrator, obs),
			rpc.SealEndpoints(orchestrator, votes, signatures, nodes, distributor, obs),
			rpc.NetworkEndpoints(orchestrator, nodes, obs),
			rpc.TrustEndpoints(entities, verifier, obs),
		)
		log.InfoContext(ctx, fmt.Sprintf("REST server starting on %s", server.Addr))
		return httpsrv.Run(ctx, server, httpsrv.ShutdownTimeout(5*time.Second))
	})

	return g.Wait()
}

// openStore opens the bolt database at dbFile, an empty dbFile falls back
// to defaultName under homeDir.
func openStore(dbFile, homeDir, defaultName string) (*boltdb.BoltDB, error) {
	if dbFile == "" {
		if err := os.MkdirAll(homeDir, 0700); err != nil { // -rwx------
			return nil, err
		}
		dbFile = filepath.Join(homeDir, defaultName)
	}
	return boltdb.New(dbFile)
}
