package ingester

import (
	"context"
	"log"
	"sort"
	"time"

	"nugettrends/internal/models"
	"nugettrends/internal/repository"
	"nugettrends/internal/tfm"

	"github.com/dustin/go-humanize"
)

// TfmSource streams each package's first published version and its target
// frameworks out of the metadata store.
type TfmSource interface {
	StreamFirstVersionTfms(ctx context.Context, fn func(repository.FirstVersionTfms) error) error
}

// TfmSink writes the adoption snapshot.
type TfmSink interface {
	InsertTfmAdoption(ctx context.Context, rows []models.TfmAdoption) error
}

// TfmRefresher recomputes target-framework adoption per month: for every
// month, how many packages debuted on each framework, plus a running
// cumulative count per framework. Replacing snapshot semantics make re-runs
// safe.
type TfmRefresher struct {
	source TfmSource
	sink   TfmSink

	now func() time.Time
}

func NewTfmRefresher(source TfmSource, sink TfmSink) *TfmRefresher {
	return &TfmRefresher{source: source, sink: sink, now: time.Now}
}

// Run executes one adoption recompute over the whole leaf corpus.
func (r *TfmRefresher) Run(ctx context.Context) error {
	type monthTfm struct {
		month time.Time
		tfm   string
	}
	newCounts := make(map[monthTfm]uint32)
	monthsSeen := make(map[time.Time]struct{})
	var packages int

	err := r.source.StreamFirstVersionTfms(ctx, func(row repository.FirstVersionTfms) error {
		packages++
		monthsSeen[row.Month] = struct{}{}

		// A package counts once per framework no matter how many dependency
		// groups restate it.
		counted := make(map[string]struct{}, len(row.Frameworks))
		for _, raw := range row.Frameworks {
			moniker := tfm.Normalize(raw)
			if moniker == "" {
				continue
			}
			if _, ok := counted[moniker]; ok {
				continue
			}
			counted[moniker] = struct{}{}
			newCounts[monthTfm{month: row.Month, tfm: moniker}]++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(newCounts) == 0 {
		log.Printf("[tfm] no framework data in the leaf corpus yet")
		return nil
	}

	months := make([]time.Time, 0, len(monthsSeen))
	for m := range monthsSeen {
		months = append(months, m)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })

	// Accumulate per-framework running totals in month order.
	cumulative := make(map[string]uint32)
	computedAt := r.now().UTC()
	var rows []models.TfmAdoption
	for _, month := range months {
		for key, count := range newCounts {
			if !key.month.Equal(month) {
				continue
			}
			cumulative[key.tfm] += count
			rows = append(rows, models.TfmAdoption{
				Month:                  month,
				Tfm:                    key.tfm,
				Family:                 tfm.FamilyOf(key.tfm),
				NewPackageCount:        count,
				CumulativePackageCount: cumulative[key.tfm],
				ComputedAt:             computedAt,
			})
		}
	}

	if err := r.sink.InsertTfmAdoption(ctx, rows); err != nil {
		return err
	}
	log.Printf("[tfm] snapshot rebuilt: %s packages, %d months, %d rows",
		humanize.Comma(int64(packages)), len(months), len(rows))
	return nil
}
