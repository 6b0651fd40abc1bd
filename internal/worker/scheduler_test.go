package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketsync/internal/config"
	"marketsync/internal/models"
)

func TestSchedulesFromPlatforms(t *testing.T) {
	schedules, err := SchedulesFromPlatforms([]config.PlatformConfig{
		{
			Name:           "b",
			OrganizationID: testOrg,
			StoreID:        testStore,
			Schedules: map[string]time.Duration{
				"order-fetch":    5 * time.Minute,
				"inventory-push": time.Hour,
			},
		},
		{Name: "a", OrganizationID: testOrg, Schedules: map[string]time.Duration{"catalog-sync": time.Hour}},
	})
	require.NoError(t, err)
	require.Len(t, schedules, 3)
	assert.Equal(t, "a", schedules[0].Platform)
	assert.Equal(t, models.JobTypeInventoryPush, schedules[1].Type)
	assert.Equal(t, models.JobTypeOrderFetch, schedules[2].Type)
	assert.Equal(t, testStore, schedules[2].StoreID)

	_, err = SchedulesFromPlatforms([]config.PlatformConfig{
		{Name: "a", Schedules: map[string]time.Duration{"reindex": time.Hour}},
	})
	assert.Error(t, err)
}

func TestScheduler_SkipsWhileActive(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	sch := Schedule{
		OrganizationID: testOrg,
		StoreID:        testStore,
		Platform:       testShop,
		Type:           models.JobTypeInventoryPush,
		Every:          time.Minute,
		Options:        models.JobMetadata{models.OptionSKUs: []string{"A"}},
	}
	s := NewScheduler(h.orch, h.store, []Schedule{sch}, nil)

	first, err := s.trigger(ctx, sch)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "1m0s", first.Metadata.GetString(models.OptionSchedule))
	assert.Equal(t, []string{"A"}, first.Metadata.GetStrings(models.OptionSKUs))

	skipped, err := s.trigger(ctx, sch)
	require.NoError(t, err)
	assert.Nil(t, skipped)

	h.orch.process(ctx, first.ID)
	require.Equal(t, models.JobStatusCompleted, h.status(t, first.ID).Status)

	next, err := s.trigger(ctx, sch)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, first.ID, next.ID)
}

func TestScheduler_RunFiresOnTick(t *testing.T) {
	h := newHarness(t, Options{})
	sch := Schedule{
		OrganizationID: testOrg,
		Platform:       testShop,
		Type:           models.JobTypeOrderFetch,
		Every:          20 * time.Millisecond,
	}
	s := NewScheduler(h.orch, h.store, []Schedule{sch}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		jobs, err := h.store.ListJobs(context.Background(), testOrg)
		return err == nil && len(jobs) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	jobs, err := h.store.ListJobs(context.Background(), testOrg)
	require.NoError(t, err)
	assert.Len(t, jobs, 1, "pending job blocks further ticks")
}
