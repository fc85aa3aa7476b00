package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"certeon.org/internal/cert"
	"certeon.org/internal/config"
	"certeon.org/internal/identity"
	"certeon.org/internal/partition"
	"certeon.org/internal/store"
)

// partition reads an identity hierarchy from a JSON file, runs the manager
// partitioner against it, and writes the partition list to stdout. The
// scheduler feeds each partition to a generation worker.
func main() {
	log.SetFlags(0)
	var (
		identitiesPath = flag.String("identities", "", "Path to JSON identity list")
		configPath     = flag.String("config", os.Getenv("CERTEON_CONFIG"), "Path to YAML config")
		count          = flag.Int("count", 0, "Partition count, 0 to use the definition's")
		groupID        = flag.String("group", "", "Certification group id")
		name           = flag.String("name", "Manager Certification", "Definition name")
		subordinates   = flag.Bool("subordinates", false, "Generate subordinate certifications")
		flatten        = flag.Bool("flatten", false, "Flatten the hierarchy")
	)
	flag.Parse()

	if *identitiesPath == "" {
		log.Fatal("missing -identities")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}

	raw, err := os.ReadFile(*identitiesPath)
	if err != nil {
		log.Fatalf("read identities: %v", err)
	}
	var identities []*identity.Identity
	if err := json.Unmarshal(raw, &identities); err != nil {
		log.Fatalf("parse identities: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st := store.NewMemory()
	for _, id := range identities {
		if err := st.Identities().Save(ctx, id); err != nil {
			log.Fatalf("load identity %s: %v", id.Name, err)
		}
	}

	def := &cert.Definition{
		ID:                      *name,
		Name:                    *name,
		IncludeSubordinateCerts: *subordinates,
		FlattenHierarchy:        *flatten,
		PartitionCount:          *count,
	}

	parts, err := partition.New(st, def, cfg).CreatePartitions(ctx, *groupID, *count)
	if err != nil {
		log.Fatalf("create partitions: %v", err)
	}

	out, err := json.MarshalIndent(parts, "", "  ")
	if err != nil {
		log.Fatalf("encode partitions: %v", err)
	}
	fmt.Println(string(out))
}
