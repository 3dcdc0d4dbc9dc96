// Package main is the entry point for the auditor CLI: the scheduled
// counterpart of the review web service. A run imports users and group
// memberships from the directory, prunes mappings the directory no longer
// reports, then creates review records and emails managers a review link for
// every user whose last review is old enough.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/disappointingsupernova/access-review/internal/config"
	"github.com/disappointingsupernova/access-review/internal/db"
	"github.com/disappointingsupernova/access-review/internal/db/repositories"
	"github.com/disappointingsupernova/access-review/internal/directory"
	"github.com/disappointingsupernova/access-review/internal/notify"
	"github.com/disappointingsupernova/access-review/internal/provision"
	"github.com/disappointingsupernova/access-review/internal/secrets"
	"github.com/disappointingsupernova/access-review/internal/telemetry"
)

// stringList collects a repeatable flag value.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	var (
		dryRun          = flag.Bool("dry-run", false, "preview every action without writing or sending anything")
		updateOnly      = flag.Bool("update-only", false, "import users and groups but send no invitations")
		sendAll         = flag.Bool("send-all-audit-emails", false, "ignore the per-manager daily invitation cap")
		limitUsers      = flag.Int("limit-users", 0, "cap how many due users are processed (0 = no cap)")
		filterUserEmail = flag.String("filter-user-email", "", "restrict provisioning to one subject email")
		listManagers    = flag.Bool("list-managers", false, "print the managers of all in-scope users and exit")
		listCounts      = flag.Bool("list-manager-counts", false, "print managers with their user counts and exit")
		showTrail       = flag.Int("show-trail", 0, "print the newest N activity trail entries and exit")
		showUser        = flag.String("show-user", "", "print the stored record and group snapshot for one username and exit")
		configPath      = flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	)
	var groupPrefixes stringList
	flag.Var(&groupPrefixes, "group-prefix", "directory group CN prefix to audit (repeatable; overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	prefixes := cfg.Audit.GroupPrefixes
	if len(groupPrefixes) > 0 {
		prefixes = groupPrefixes
	}

	// The inspection modes need the database but not the directory.
	if *showTrail > 0 || *showUser != "" {
		database, err := connectDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()
		if *showTrail > 0 {
			return printTrail(repositories.NewTrailRepository(database), *showTrail)
		}
		return printUser(database, *showUser)
	}

	dir, err := directory.Connect(&cfg.LDAP)
	if err != nil {
		return fmt.Errorf("failed to connect to directory: %w", err)
	}
	defer dir.Close()

	// The manager listings only need the directory, not the database.
	if *listManagers || *listCounts {
		p := provision.New(dir, nil, nil, nil, nil, &cfg.Audit)
		if *listManagers {
			return printManagers(p, prefixes)
		}
		return printManagerCounts(p, prefixes)
	}

	database, err := connectDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := db.RunMigrations(database.DB, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	userRepo := repositories.NewUserRepository(database)
	groupRepo := repositories.NewGroupRepository(database)
	recordRepo := repositories.NewAuditRecordRepository(database)
	mailer := notify.NewMailer(&cfg.Notifications)

	p := provision.New(dir, userRepo, groupRepo, recordRepo, mailer, &cfg.Audit)

	stats, err := p.Run(context.Background(), provision.Options{
		DryRun:          *dryRun,
		UpdateOnly:      *updateOnly,
		SendAll:         *sendAll,
		GroupPrefixes:   prefixes,
		LimitUsers:      *limitUsers,
		FilterUserEmail: *filterUserEmail,
		BaseURL:         cfg.Server.BaseURL,
	})
	if err != nil {
		return err
	}

	printStats(stats, *dryRun)
	return nil
}

func connectDatabase(cfg *config.Config) (*sqlx.DB, error) {
	secrets.ApplyDatabaseCredentials(context.Background(), cfg)
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}

func printTrail(trailRepo *repositories.TrailRepository, limit int) error {
	entries, err := trailRepo.ListRecent(context.Background(), limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		actor := e.ActorEmail
		if actor == "" {
			actor = "-"
		}
		fmt.Printf("%s  %-5s  %-40s %s\n",
			e.Timestamp.Format(time.RFC3339), e.Type, actor, e.Message)
	}
	return nil
}

func printUser(database *sqlx.DB, username string) error {
	ctx := context.Background()
	user, err := repositories.NewUserRepository(database).GetByUsername(ctx, username)
	if err != nil {
		return err
	}

	fmt.Printf("Username:      %s\n", user.Username)
	fmt.Printf("Display name:  %s\n", user.Label())
	fmt.Printf("Email:         %s\n", derefOr(user.Email, "-"))
	fmt.Printf("Manager:       %s\n", derefOr(user.ManagerEmail, "-"))
	if user.LastAudited != nil {
		fmt.Printf("Last audited:  %s\n", user.LastAudited.Format("2006-01-02"))
	} else {
		fmt.Println("Last audited:  never")
	}

	groups, err := repositories.NewGroupRepository(database).SnapshotGroups(ctx, username)
	if err != nil {
		return err
	}
	fmt.Printf("Groups (%d):\n", len(groups))
	for _, g := range groups {
		fmt.Printf("  %s\n", g)
	}
	return nil
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func printStats(stats *provision.Stats, dryRun bool) {
	if dryRun {
		fmt.Println("Dry run — nothing was written or sent.")
	}
	fmt.Printf("Groups matched:      %d\n", stats.GroupsMatched)
	fmt.Printf("Users processed:     %d\n", stats.UsersProcessed)
	fmt.Printf("Group mappings:      %d\n", stats.GroupMappings)
	fmt.Printf("Stale rows removed:  %d\n", stats.StaleRemoved)
	fmt.Printf("Records created:     %d\n", stats.RecordsCreated)
	fmt.Printf("Invitations sent:    %d\n", stats.InvitationsSent)
	fmt.Printf("Invitations skipped: %d\n", stats.InvitationsSkipped)

	if len(stats.PerManager) > 0 {
		fmt.Println("Per manager:")
		managers := make([]string, 0, len(stats.PerManager))
		for m := range stats.PerManager {
			managers = append(managers, m)
		}
		sort.Strings(managers)
		for _, m := range managers {
			fmt.Printf("  %-40s %d\n", m, stats.PerManager[m])
		}
	}
}

func printManagers(p *provision.Provisioner, prefixes []string) error {
	managers, err := p.ListManagers(prefixes)
	if err != nil {
		return err
	}
	for _, m := range managers {
		fmt.Println(m)
	}
	return nil
}

func printManagerCounts(p *provision.Provisioner, prefixes []string) error {
	counts, err := p.ListManagerCounts(prefixes)
	if err != nil {
		return err
	}
	managers := make([]string, 0, len(counts))
	for m := range counts {
		managers = append(managers, m)
	}
	sort.Strings(managers)
	for _, m := range managers {
		fmt.Printf("%-40s %d\n", m, counts[m])
	}
	return nil
}
