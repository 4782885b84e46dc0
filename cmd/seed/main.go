package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-scheduling/internal/app/bootstrap"
	"github.com/hackgods/telehealth-scheduling/internal/config"
	"github.com/hackgods/telehealth-scheduling/internal/identity"
	"github.com/hackgods/telehealth-scheduling/internal/logging"
	"github.com/hackgods/telehealth-scheduling/internal/schedule"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed provider availability templates",
	}
	rootCmd.AddCommand(providersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func providersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Create fake providers with weekly templates; slots are generated from them",
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			seed, _ := cmd.Flags().GetInt64("seed")
			allowMemory, _ := cmd.Flags().GetBool("allow-memory")
			if count <= 0 {
				return fmt.Errorf("--count must be > 0")
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			return seedProviders(cmd.Context(), count, seed, allowMemory)
		},
	}
	cmd.Flags().Int("count", 20, "Number of providers to create")
	cmd.Flags().Int64("seed", 0, "Random seed; 0 picks one from the clock")
	cmd.Flags().Bool("allow-memory", false, "Run without POSTGRES_DSN (templates are discarded on exit)")
	return cmd
}

func seedProviders(ctx context.Context, count int, seed int64, allowMemory bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// templates are written on the providers' behalf; no payments are taken
	cfg.AllowFakePayments = true
	if cfg.SignalingSecret == "" {
		cfg.SignalingSecret = "seed"
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := bootstrap.BuildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	if !rt.Shared() && !allowMemory {
		return fmt.Errorf("POSTGRES_DSN is required (or pass --allow-memory)")
	}

	svc, err := bootstrap.BuildServices(cfg, rt, nil, logger)
	if err != nil {
		return err
	}

	gofakeit.Seed(seed)

	logger.Info("seeding providers", zap.Int("count", count), zap.Int64("seed", seed))
	for i := 0; i < count; i++ {
		t := fakeTemplate(uuid.New(), cfg.Currency)
		actor, err := identity.New(string(identity.RoleProvider), t.ProviderID)
		if err != nil {
			return err
		}
		if err := svc.Templates.Set(ctx, actor, t); err != nil {
			return fmt.Errorf("provider %s: %w", t.ProviderID, err)
		}

		open := 0
		if res, ok := svc.Regenerator.LastResult(t.ProviderID); ok {
			open = len(res.Added) + len(res.Reopened)
		}
		fmt.Printf("%s\t%s\t%s %s\t%d slots\n", t.ProviderID, gofakeit.Name(), t.ConsultationFee.StringFixed(2), t.Currency, open)
	}

	logger.Info("seed complete")
	return nil
}

var timezones = []string{"UTC", "Europe/London", "America/New_York", "Asia/Jakarta", "Australia/Sydney"}

// fakeTemplate builds a plausible working week: weekdays with a morning and an
// optional afternoon block, weekends mostly off.
func fakeTemplate(providerID uuid.UUID, currency string) schedule.Template {
	days := make(map[time.Weekday]schedule.DayAvailability, 7)
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		weekend := wd == time.Saturday || wd == time.Sunday
		if weekend && gofakeit.Number(0, 3) > 0 {
			days[wd] = schedule.DayAvailability{Enabled: false}
			continue
		}
		startHour := gofakeit.Number(7, 10)
		ranges := []schedule.TimeRange{{Start: startHour * 60, End: (startHour + 3) * 60}}
		if gofakeit.Bool() {
			ranges = append(ranges, schedule.TimeRange{Start: 14 * 60, End: 17 * 60})
		}
		days[wd] = schedule.DayAvailability{Enabled: true, Ranges: ranges}
	}

	durations := []int{15, 20, 30, 45, 60}
	fee := decimal.NewFromFloat(gofakeit.Price(20, 150)).Round(2)

	return schedule.Template{
		ProviderID:          providerID,
		Days:                days,
		SlotDurationMinutes: durations[gofakeit.Number(0, len(durations)-1)],
		BreakMinutes:        gofakeit.Number(0, 3) * 5,
		ConsultationFee:     fee,
		Currency:            currency,
		Timezone:            gofakeit.RandomString(timezones),
	}
}
