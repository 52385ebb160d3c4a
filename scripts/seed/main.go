package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/odyssey-erp/bookshelf/internal/app"
	"github.com/odyssey-erp/bookshelf/internal/catalog"
	"github.com/odyssey-erp/bookshelf/internal/rbac"
)

func main() {
	file := flag.String("file", "", "YAML provisioning document; defaults to the built-in Viewers/Editors/Admins matrix")
	demo := flag.Bool("demo", false, "also seed a few authors and books as admin_user")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	if err := run(context.Background(), cfg, logger, *file, *demo); err != nil {
		logger.Error("seed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, file string, demo bool) error {
	groups, principals := rbac.DefaultMatrix(), rbac.TestPrincipals()
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		groups, principals, err = rbac.LoadProvisionFile(f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	svc := rbac.NewService(stores.RBAC, stores.PermissionCache, logger, nil)
	fmt.Println("→ Provisioning groups and principals...")
	report, err := rbac.Provision(ctx, svc, groups, principals)
	if err != nil {
		return err
	}
	fmt.Printf("  groups created: %d, principals created: %d, memberships: %d\n",
		report.GroupsCreated, report.PrincipalsCreated, report.Memberships)

	if !demo {
		return nil
	}
	admin, err := svc.FindPrincipal(ctx, "admin_user")
	if err != nil {
		return fmt.Errorf("demo data needs admin_user: %w", err)
	}
	fmt.Println("→ Seeding demo catalog...")
	return seedCatalog(ctx, catalog.NewService(stores.Catalog, svc, logger), admin.ID)
}

func seedCatalog(ctx context.Context, svc *catalog.Service, principalID int64) error {
	shelf := map[string][]catalog.BookInput{
		"Ursula K. Le Guin": {{Title: "A Wizard of Earthsea", PublicationYear: 1968}, {Title: "The Dispossessed", PublicationYear: 1974}},
		"Frank Herbert":     {{Title: "Dune", PublicationYear: 1965}},
		"Octavia E. Butler": {{Title: "Kindred", PublicationYear: 1979}},
	}
	for name, books := range shelf {
		existing, err := svc.ListAuthors(ctx, principalID, catalog.AuthorFilters{Search: name})
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		author, err := svc.CreateAuthor(ctx, principalID, catalog.AuthorInput{Name: name})
		if err != nil {
			return err
		}
		for _, in := range books {
			in.AuthorID = author.ID
			if _, err := svc.CreateBook(ctx, principalID, in); err != nil {
				return err
			}
		}
	}
	return nil
}
