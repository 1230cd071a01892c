package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"paas-control/internal/model"
	"paas-control/internal/pkg/database/dbtest"
	"paas-control/pkg/constants"
	pkgErrors "paas-control/pkg/errors"
)

func TestClusterDefaultForBuild(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	repo := NewClusterRepository(db)

	require.NoError(t, repo.Create(ctx, &model.Cluster{Name: "a", Region: "default", Enabled: true}))
	require.NoError(t, repo.Create(ctx, &model.Cluster{Name: "b", Region: "default", Enabled: true, DefaultForBuild: true}))

	c, err := repo.FindDefaultForBuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", c.Name)

	_, err = repo.FindByName(ctx, "missing")
	assert.ErrorIs(t, err, pkgErrors.ErrRecordNotFound)
}

func TestBuildProcessFinishIsAbsorbing(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	repo := NewBuildProcessRepository(db)

	bp := &model.BuildProcess{AppID: "app", ApplicationID: "application", ModuleID: "m", Generation: 1, OutputStreamID: "s", Status: string(constants.JobStatusPending)}
	require.NoError(t, repo.Create(ctx, bp))

	require.NoError(t, repo.MarkBuilding(ctx, bp.ID))
	now := time.Now()
	ok, err := repo.Finish(ctx, bp.ID, constants.JobStatusSuccessful, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Finish(ctx, bp.ID, constants.JobStatusFailed, now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.FindByID(ctx, bp.ID)
	require.NoError(t, err)
	assert.Equal(t, string(constants.JobStatusSuccessful), got.Status)
	assert.NotNil(t, got.CompletedAt)

	_, err = repo.Finish(ctx, bp.ID, constants.JobStatusRunning, now)
	assert.ErrorIs(t, err, pkgErrors.ErrInvalidTransition)
}

func TestBuildProcessMaxGenerationAndList(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	repo := NewBuildProcessRepository(db)

	max, err := repo.MaxGeneration(ctx, "application", "m")
	require.NoError(t, err)
	assert.Equal(t, 0, max)

	for i := 1; i <= 3; i++ {
		require.NoError(t, repo.Create(ctx, &model.BuildProcess{
			AppID: "app", ApplicationID: "application", ModuleID: "m", Generation: i,
			OutputStreamID: "s", Status: string(constants.JobStatusPending), Branch: "main",
		}))
	}
	max, err = repo.MaxGeneration(ctx, "application", "m")
	require.NoError(t, err)
	assert.Equal(t, 3, max)

	items, total, err := repo.List(ctx, BuildProcessFilter{ModuleID: "m", Branch: "main"}, Page{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, items, 2)
	assert.Equal(t, 3, items[0].Generation)
}

func TestReleaseAnySuccessfulIgnoresLegacyPlaceholder(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	repo := NewReleaseRepository(db)

	require.NoError(t, repo.Create(ctx, &model.Release{AppID: "app", Version: 1, ConfigID: "c"}))
	ok, err := repo.AnySuccessful(ctx, "app")
	require.NoError(t, err)
	assert.False(t, ok)

	buildID := "b1"
	require.NoError(t, repo.Create(ctx, &model.Release{AppID: "app", Version: 2, ConfigID: "c", BuildID: &buildID, Failed: true}))
	ok, err = repo.AnySuccessful(ctx, "app")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Create(ctx, &model.Release{AppID: "app", Version: 3, ConfigID: "c", BuildID: &buildID,
		Procfile: datatypes.NewJSONType(map[string]string{"web": "run"})}))
	ok, err = repo.AnySuccessful(ctx, "app")
	require.NoError(t, err)
	assert.True(t, ok)

	latest, err := repo.Latest(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Version)
	assert.Equal(t, "run", latest.Procfile.Data()["web"])

	max, err := repo.MaxVersion(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, 3, max)
}

func TestBuildMarkArtifactDeletedOnce(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	repo := NewBuildRepository(db)

	b := &model.Build{AppID: "app", ModuleID: "m", ArtifactType: string(constants.ArtifactTypeSlug)}
	require.NoError(t, repo.Create(ctx, b))

	n, err := repo.MarkArtifactDeleted(ctx, []string{b.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = repo.MarkArtifactDeleted(ctx, []string{b.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestOutputStreamLines(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	repo := NewOutputStreamRepository(db)

	stream := &model.OutputStream{}
	require.NoError(t, repo.Create(ctx, stream))
	for _, l := range []string{"a", "b", "c"} {
		require.NoError(t, repo.AppendLine(ctx, &model.OutputStreamLine{StreamID: stream.ID, StreamKind: string(constants.StreamStdout), Line: l}))
	}

	all, err := repo.Lines(ctx, stream.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)

	rest, err := repo.Lines(ctx, stream.ID, all[0].ID, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, "b", rest[0].Line)
}

func TestDeploymentPhaseTransitions(t *testing.T) {
	db := dbtest.New(t)
	ctx := context.Background()
	repo := NewDeploymentRepository(db)

	phase := &model.DeployPhase{DeploymentID: "d", PhaseType: string(constants.PhaseBuild), Sequence: 1, Status: string(constants.JobStatusPending)}
	require.NoError(t, repo.CreatePhase(ctx, phase))
	require.NoError(t, repo.CreateStep(ctx, &model.DeployStep{PhaseID: phase.ID, Name: "b", Sequence: 2, Status: string(constants.JobStatusPending)}))
	require.NoError(t, repo.CreateStep(ctx, &model.DeployStep{PhaseID: phase.ID, Name: "a", Sequence: 1, Status: string(constants.JobStatusPending)}))

	ok, err := repo.TransitPhase(ctx, phase.ID, []constants.JobStatus{constants.JobStatusPending}, map[string]interface{}{"status": string(constants.JobStatusRunning)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.TransitPhase(ctx, phase.ID, []constants.JobStatus{constants.JobStatusPending}, map[string]interface{}{"status": string(constants.JobStatusFailed)})
	require.NoError(t, err)
	assert.False(t, ok)

	phases, err := repo.ListPhases(ctx, "d")
	require.NoError(t, err)
	require.Len(t, phases, 1)
	require.Len(t, phases[0].Steps, 2)
	assert.Equal(t, "a", phases[0].Steps[0].Name)
}
