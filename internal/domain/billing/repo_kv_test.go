package billing

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medglosa/medglosa/internal/platform/kvstore"
)

func newTestRepo(t *testing.T) (ProcedureRepository, kvstore.Store) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	return NewProcedureRepoKV(store, "test_procedures"), store
}

func seed(t *testing.T, repo ProcedureRepository, procs ...*MedicalProcedure) {
	t.Helper()
	for _, p := range procs {
		require.NoError(t, repo.Create(context.Background(), p))
	}
}

func TestProcedureRepoKV_ListEmpty(t *testing.T) {
	repo, _ := newTestRepo(t)
	procs, err := repo.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, procs)
	assert.Empty(t, procs)
}

func TestProcedureRepoKV_CreateAssignsUniqueID(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()

	a := &MedicalProcedure{PatientName: "Ana", Date: "01/02/2024", ProcedureName: "Consulta"}
	b := &MedicalProcedure{PatientName: "Ana", Date: "01/02/2024", ProcedureName: "Consulta"}
	seed(t, repo, a)

	procs, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.NotEmpty(t, procs[0].ID)

	seed(t, repo, b)
	procs, err = repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.NotEqual(t, procs[0].ID, procs[1].ID)

	raw, err := store.Get(ctx, "test_procedures")
	require.NoError(t, err)
	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Len(t, decoded, 2)
	assert.Equal(t, "Ana", decoded[0]["patientName"])
}

func TestProcedureRepoKV_ReadsBrowserExport(t *testing.T) {
	store := kvstore.NewMemoryStore()
	ctx := context.Background()
	raw := `[{"id":"a1","patientName":"João","date":"10/03/2024","procedureName":"Consulta","insurance":"Unimed","procedureValue":150,"status":"glosa","receivedStatus":"nao_recebido","glosaAmount":50}]`
	require.NoError(t, store.Set(ctx, DefaultStoreKey, []byte(raw)))

	repo := NewProcedureRepoKV(store, "")
	p, err := repo.GetByID(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusGlosa, p.Status)
	require.NotNil(t, p.GlosaAmount)
	assert.Equal(t, 50.0, *p.GlosaAmount)
}

func TestProcedureRepoKV_Update(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	p := &MedicalProcedure{PatientName: "Ana", Date: "01/02/2024", ProcedureName: "Consulta"}
	seed(t, repo, p)

	p.ProcedureValue = 200
	require.NoError(t, repo.Update(ctx, p))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 200.0, got.ProcedureValue)

	err = repo.Update(ctx, &MedicalProcedure{ID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProcedureRepoKV_UpdateReceivedStatusOnlyTouchesOneRecord(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	a := &MedicalProcedure{PatientName: "Ana", Date: "01/02/2024", ProcedureName: "Consulta", Status: StatusPaid, ReceivedStatus: NotReceived}
	b := &MedicalProcedure{PatientName: "Bia", Date: "01/02/2024", ProcedureName: "Consulta", Status: StatusPending, ReceivedStatus: NotReceived}
	seed(t, repo, a, b)

	notes := "pago via pix"
	require.NoError(t, repo.UpdateReceivedStatus(ctx, a.ID, Received, &notes))

	gotA, err := repo.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, Received, gotA.ReceivedStatus)
	require.NotNil(t, gotA.Notes)
	assert.Equal(t, notes, *gotA.Notes)
	assert.Equal(t, StatusPaid, gotA.Status)

	gotB, err := repo.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, NotReceived, gotB.ReceivedStatus)
	assert.Nil(t, gotB.Notes)
}

func TestProcedureRepoKV_UpdateReceivedStatusKeepsNotesWhenNil(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	notes := "primeira nota"
	p := &MedicalProcedure{PatientName: "Ana", Date: "01/02/2024", ProcedureName: "Consulta", Notes: &notes}
	seed(t, repo, p)

	require.NoError(t, repo.UpdateReceivedStatus(ctx, p.ID, Received, nil))

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Notes)
	assert.Equal(t, "primeira nota", *got.Notes)

	assert.ErrorIs(t, repo.UpdateReceivedStatus(ctx, "missing", Received, nil), ErrNotFound)
}

func TestProcedureRepoKV_UpdateStatusByMatchUpdatesAllMatches(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	first := &MedicalProcedure{PatientName: "Maria Silva", Date: "15/01/2024", ProcedureName: "Consulta eletiva", Status: StatusPending}
	second := &MedicalProcedure{PatientName: "MARIA SILVA ", Date: "15/01/2024", ProcedureName: "Consulta retorno", Status: StatusPending}
	otherDay := &MedicalProcedure{PatientName: "Maria Silva", Date: "16/01/2024", ProcedureName: "Consulta", Status: StatusPending}
	seed(t, repo, first, second, otherDay)

	amount := 35.5
	n, err := repo.UpdateStatusByMatch(ctx, MatchCriteria{PatientName: "maria silva", Date: "15/01/2024", ProcedureName: "consulta"}, StatusGlosa, &amount)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{first.ID, second.ID} {
		got, err := repo.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusGlosa, got.Status)
		require.NotNil(t, got.GlosaAmount)
		assert.Equal(t, 35.5, *got.GlosaAmount)
	}

	got, err := repo.GetByID(ctx, otherDay.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestProcedureRepoKV_UpdateStatusByMatchClearsAmount(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	amount := 10.0
	p := &MedicalProcedure{PatientName: "Ana", Date: "01/02/2024", ProcedureName: "Consulta", Status: StatusGlosa, GlosaAmount: &amount}
	seed(t, repo, p)

	n, err := repo.UpdateStatusByMatch(ctx, MatchCriteria{PatientName: "Ana", Date: "01/02/2024", ProcedureName: "consulta"}, StatusPaid, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.Status)
	assert.Nil(t, got.GlosaAmount)
}

func TestProcedureRepoKV_UpdateStatusByMatchNoMatch(t *testing.T) {
	repo, _ := newTestRepo(t)
	n, err := repo.UpdateStatusByMatch(context.Background(), MatchCriteria{PatientName: "Ninguém"}, StatusPaid, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcedureRepoKV_ReplaceAll(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, &MedicalProcedure{PatientName: "Ana"})

	require.NoError(t, repo.ReplaceAll(ctx, []*MedicalProcedure{{ID: "x", PatientName: "Bia"}, {ID: "y", PatientName: "Caio"}}))
	procs, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, procs, 2)
	assert.Equal(t, "x", procs[0].ID)

	require.NoError(t, repo.ReplaceAll(ctx, nil))
	procs, err = repo.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestProcedureRepoKV_Modify(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()
	p := &MedicalProcedure{PatientName: "Ana", Date: "01/02/2024", ProcedureName: "Consulta"}
	seed(t, repo, p)

	got, err := repo.Modify(ctx, p.ID, func(m *MedicalProcedure) {
		m.ProcedureName = "Retorno"
		m.ID = "overwritten"
	})
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	stored, err := repo.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Retorno", stored.ProcedureName)

	_, err = repo.Modify(ctx, "missing", func(*MedicalProcedure) { t.Fatal("fn called for a missing record") })
	assert.ErrorIs(t, err, ErrNotFound)
}
