package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/clinic-ledger/generic"
)

func TestAppendAndQuery(t *testing.T) {
	tr := &Trail{}
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	_, err := tr.Append("admin", ActionDelete, KindInvoice, "F-0001", base)
	require.NoError(t, err)
	_, err = tr.Append("admin", ActionAccess, KindSalary, "payroll view", base.Add(time.Hour))
	require.NoError(t, err)
	_, err = tr.Append("Susi", ActionModify, KindExpense, "EXP-1", base.Add(2*time.Hour))
	require.NoError(t, err)

	all := tr.Query(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "Susi", all[0].Actor, "newest first")

	assert.Len(t, tr.Query(Filter{Actor: "ADMIN"}), 2)
	assert.Len(t, tr.Query(Filter{Action: ActionAccess}), 1)
	assert.Len(t, tr.Query(Filter{EntityKind: KindInvoice}), 1)
	assert.Len(t, tr.Query(Filter{Since: base.Add(30 * time.Minute)}), 2)
}

func TestAppend_Validation(t *testing.T) {
	tr := &Trail{}
	now := time.Now()

	_, err := tr.Append("", ActionDelete, KindInvoice, "", now)
	assert.ErrorIs(t, err, generic.ErrValidation)
	_, err = tr.Append("admin", "purge", KindInvoice, "", now)
	assert.ErrorIs(t, err, generic.ErrValidation)
	_, err = tr.Append("admin", ActionDelete, "", "", now)
	assert.ErrorIs(t, err, generic.ErrValidation)

	assert.Empty(t, tr.Entries)
}
