// Terminal daemon: keeps the local product mirror fresh, drains the
// offline sale queue, and logs the sync badge. Checkout itself is driven
// by the register UI through the pos package; this binary hosts the
// background plumbing.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"warungpos/internal/config"
	"warungpos/internal/domain"
	"warungpos/internal/terminal/api"
	"warungpos/internal/terminal/kv"
	"warungpos/internal/terminal/mirror"
	"warungpos/internal/terminal/pos"
	"warungpos/internal/terminal/queue"
	"warungpos/internal/terminal/state"
	syncengine "warungpos/internal/terminal/sync"
)

func main() {
	if err := godotenv.Load(); err == nil {
		log.Println("loaded .env")
	}

	cfg := config.LoadTerminal()
	if cfg.Username == "" || cfg.Password == "" {
		log.Fatal("TERMINAL_USERNAME and TERMINAL_PASSWORD must be set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := openKV(ctx, cfg)

	m := mirror.New(store)
	if err := m.Load(ctx); err != nil {
		log.Fatalf("load mirror: %v", err)
	}
	q := queue.New(store, cfg.TerminalID)
	states := state.NewContainer()
	defer states.Close()

	client := api.NewClient(cfg.ServerURL, 15*time.Second)
	if _, err := client.Login(ctx, cfg.Username, cfg.Password); err != nil {
		// Offline start is a supported mode: the cached catalog keeps
		// selling, the engine logs in again once the link is back.
		log.Printf("login failed (%v), starting offline", err)
	}

	engine := syncengine.NewEngine(client, q, m, states, syncengine.Config{
		StoreID:     cfg.StoreID,
		Interval:    time.Duration(cfg.SyncIntervalSeconds) * time.Second,
		MaxAttempts: cfg.MaxSyncAttempts,
	})
	if err := engine.RefreshProducts(ctx); err != nil {
		log.Printf("initial product refresh failed (%v), selling from cached catalog", err)
	}

	terminal := pos.New(m, q, states, pos.Config{
		StoreID:           cfg.StoreID,
		TerminalID:        cfg.TerminalID,
		CashierID:         cfg.Username,
		TaxRatePercent:    cfg.TaxRatePercent,
		LowStockThreshold: cfg.LowStockThreshold,
		Receipt: domain.ReceiptSnapshot{
			StoreName:    cfg.StoreName,
			StoreAddress: cfg.StoreAddress,
			CashierName:  cfg.CashierName,
			TerminalID:   cfg.TerminalID,
		},
	})
	// The register UI drives checkout through this instance; at startup we
	// surface any adjustments still waiting on a human from before the
	// restart.
	if conflicts, err := terminal.UnacknowledgedConflicts(ctx); err != nil {
		log.Printf("list conflicts: %v", err)
	} else if len(conflicts) > 0 {
		log.Printf("%d server adjustment(s) awaiting acknowledgment:", len(conflicts))
		for _, tx := range conflicts {
			log.Printf("  %s receipt=%s refund=%d: %s", tx.ID, tx.LocalReceiptNumber, tx.Conflict.RefundAmountCents, tx.Conflict.Message)
		}
	}

	online := make(chan struct{}, 1)
	go watchConnectivity(ctx, client, cfg.Username, cfg.Password, online)
	go engine.Run(ctx, online)
	go logStateChanges(states)

	log.Printf("terminal %s ready store=%s server=%s", cfg.TerminalID, cfg.StoreID, cfg.ServerURL)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()

	if closer, ok := store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Printf("close kv: %v", err)
		}
	}
	log.Println("terminal stopped")
}

// openKV picks the durable store: redis when configured and reachable,
// in-process memory otherwise.
func openKV(ctx context.Context, cfg config.Terminal) kv.Store {
	if cfg.RedisAddr == "" {
		log.Println("kv: in-memory (no TERMINAL_REDIS_ADDR, queue will not survive restarts)")
		return kv.NewMemoryStore()
	}
	rs := kv.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "terminal:"+cfg.TerminalID)
	if err := rs.Ping(ctx); err != nil {
		log.Fatalf("redis unavailable (%v) and TERMINAL_REDIS_ADDR is set; refusing to run with a non-durable queue", err)
	}
	log.Println("kv: redis")
	return rs
}

// watchConnectivity probes the server and pokes the sync engine whenever
// the link comes back, so the queue drains without waiting for a tick.
func watchConnectivity(ctx context.Context, client *api.Client, username, password string, online chan<- struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	wasOnline := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := client.Ping(ctx)
		isOnline := err == nil
		if isOnline && client.Token() == "" {
			if _, err := client.Login(ctx, username, password); err != nil {
				log.Printf("re-login failed: %v", err)
				isOnline = false
			}
		}
		if isOnline && !wasOnline {
			log.Println("connectivity restored")
			select {
			case online <- struct{}{}:
			default:
			}
		}
		wasOnline = isOnline
	}
}

func logStateChanges(states *state.Container) {
	updates, cancel := states.Subscribe()
	defer cancel()
	for snap := range updates {
		log.Printf("[state] pending=%d syncing=%v conflicts=%d", snap.PendingCount, snap.IsSyncing, snap.UnacknowledgedConflicts)
	}
}
