package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/config"
	"github.com/patrickwarner/rtbconnect/internal/db"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

var (
	agentCount   = flag.Int("agents", 20, "number of agent configurations to create")
	creativesPer = flag.Int("creatives", 3, "creatives per agent")
	seatExchange = flag.String("seat-exchange", "rtb-east", "exchange name that receives a buyer seat in provider config")
	seed         = flag.Int64("seed", time.Now().UnixNano(), "rng seed")
	skipReload   = flag.Bool("skip-reload", false, "skip automatic reload after data insertion")
	deactivate   = flag.Int("deactivate", 0, "mark the agent with this ID inactive instead of seeding")
	remove       = flag.Int("delete", 0, "delete the agent with this ID instead of seeding")
)

var (
	sizes       = [][2]int{{300, 250}, {728, 90}, {320, 50}, {160, 600}, {970, 250}}
	formats     = []string{"banner", "banner", "html", "native"}
	countries   = []string{"US", "CA", "GB", "DE", "FR"}
	deviceTypes = []string{"mobile", "desktop", "tablet"}
	categories  = []string{"IAB1", "IAB2", "IAB3", "IAB7", "IAB17", "IAB19"}
	brands      = []string{"Acme", "Globex", "Initech", "Umbrella", "Hooli", "Stark"}
	products    = []string{"Summer Sale", "Launch", "Retargeting", "Brand Lift", "Holiday"}
)

func main() {
	flag.Parse()

	logger, err := observability.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := config.Load()
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect postgres: %v\n", err)
		os.Exit(1)
	}
	defer pg.Close()

	ctx := context.Background()

	switch {
	case *deactivate > 0:
		if err := pg.SetAgentActive(ctx, *deactivate, false); err != nil {
			logger.Fatal("deactivate agent", zap.Int("id", *deactivate), zap.Error(err))
		}
		logger.Info("agent deactivated", zap.Int("id", *deactivate))
	case *remove > 0:
		if err := pg.DeleteAgent(ctx, *remove); err != nil {
			logger.Fatal("delete agent", zap.Int("id", *remove), zap.Error(err))
		}
		logger.Info("agent deleted", zap.Int("id", *remove))
	default:
		seedAgents(ctx, logger, pg)
	}

	if !*skipReload {
		if err := callReloadEndpoint(&cfg); err != nil {
			logger.Error("reload endpoint failed", zap.Error(err))
			fmt.Fprintf(os.Stderr, "Warning: failed to reload server data: %v\n", err)
		} else {
			fmt.Println("server data reloaded")
		}
	}
}

func seedAgents(ctx context.Context, logger *zap.Logger, pg *db.Postgres) {
	r := rand.New(rand.NewSource(*seed))
	for i := 0; i < *agentCount; i++ {
		agent := fakeAgent(r, *creativesPer, *seatExchange)
		if err := pg.InsertAgent(ctx, &agent); err != nil {
			logger.Fatal("insert agent", zap.Error(err))
		}
		logger.Info("agent created",
			zap.Int("id", agent.ID),
			zap.String("name", agent.Name),
			zap.Int("creatives", len(agent.Creatives)))
	}
	fmt.Printf("seeded %d agents\n", *agentCount)
}

// fakeAgent builds a random agent configuration. Roughly one in four agents
// has no seat, and some creatives use sizes or formats that exchanges reject,
// so compatibility audits have something to report.
func fakeAgent(r *rand.Rand, creatives int, seatExchange string) models.AgentConfig {
	brand := brands[r.Intn(len(brands))]
	product := products[r.Intn(len(products))]
	domain := strings.ToLower(brand) + ".example.com"

	a := models.AgentConfig{
		Account:           strings.ToLower(brand) + ":" + strings.ReplaceAll(strings.ToLower(product), " ", "_"),
		Name:              brand + " " + product,
		Active:            r.Float64() < 0.9,
		Countries:         pick(r, countries, r.Intn(3)),
		DeviceTypes:       pick(r, deviceTypes, r.Intn(2)),
		Categories:        pick(r, categories, 1+r.Intn(2)),
		AdvertiserDomains: []string{domain},
	}
	if seatExchange != "" && r.Float64() < 0.75 {
		seat, _ := json.Marshal(map[string]string{"seat": fmt.Sprintf("seat-%d", 1000+r.Intn(9000))})
		a.ProviderConfig = map[string]json.RawMessage{seatExchange: seat}
	}
	if r.Float64() < 0.2 {
		a.KeyValues = map[string]string{"section": "sports"}
	}
	for i := 0; i < creatives; i++ {
		size := sizes[r.Intn(len(sizes))]
		a.Creatives = append(a.Creatives, models.Creative{
			Name:     fmt.Sprintf("%s %dx%d #%d", brand, size[0], size[1], i+1),
			Width:    size[0],
			Height:   size[1],
			Format:   formats[r.Intn(len(formats))],
			ClickURL: "https://" + domain + "/landing",
		})
	}
	return a
}

// pick returns n distinct random values from pool.
func pick(r *rand.Rand, pool []string, n int) []string {
	if n <= 0 {
		return nil
	}
	if n > len(pool) {
		n = len(pool)
	}
	out := make([]string, 0, n)
	for _, i := range r.Perm(len(pool))[:n] {
		out = append(out, pool[i])
	}
	return out
}

func callReloadEndpoint(cfg *config.Config) error {
	reloadURL := fmt.Sprintf("http://localhost:%s/reload", cfg.Port)
	req, err := http.NewRequest("POST", reloadURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
