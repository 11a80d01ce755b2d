package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drfirst/vial-ledger/internal/domain/inventory"
)

func (s *Store) snapshot() *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (st *state) userName(id *string) *string {
	if id == nil {
		return nil
	}
	if n, ok := st.users[*id]; ok {
		return &n
	}
	return nil
}

// newestDispenses orders dispenses by dispense date, then insertion, descending.
func (st *state) newestDispenses(keep func(inventory.Dispense) bool) []inventory.Dispense {
	out := make([]inventory.Dispense, 0, len(st.dispenses))
	for _, d := range st.dispenses {
		if keep == nil || keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DispenseDate.Equal(out[j].DispenseDate) {
			return out[i].DispenseDate.After(out[j].DispenseDate)
		}
		return st.order[out[i].ID] > st.order[out[j].ID]
	})
	return out
}

func (s *Store) ListVials(ctx context.Context) ([]*inventory.Vial, error) {
	st := s.snapshot()
	out := make([]*inventory.Vial, 0, len(st.vials))
	for _, v := range st.vials {
		out = append(out, &v)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ExpirationDate, out[j].ExpirationDate
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out, nil
}

func (s *Store) InventorySummary(ctx context.Context) (*inventory.InventorySummary, error) {
	st := s.snapshot()
	sum := &inventory.InventorySummary{}
	total := decimal.Zero
	for _, v := range st.vials {
		switch v.Status {
		case inventory.VialStatusActive:
			sum.ActiveVials++
		case inventory.VialStatusExpired:
			sum.ExpiredVials++
		}
		if v.RemainingVolumeMl.Valid {
			total = total.Add(v.RemainingVolumeMl.Decimal)
		}
	}
	sum.TotalRemainingMl = inventory.NewVolume(total)
	return sum, nil
}

func (s *Store) ListTransactions(ctx context.Context, limit int) ([]*inventory.TransactionRow, error) {
	st := s.snapshot()
	var out []*inventory.TransactionRow
	for _, d := range st.newestDispenses(nil) {
		if len(out) == limit {
			break
		}
		row := &inventory.TransactionRow{Dispense: d}
		if d.PatientID != nil {
			if p, ok := st.patients[*d.PatientID]; ok {
				name := p.FullName
				row.PatientName = &name
				row.PatientDOB = p.DOB
			}
		}
		var vial *inventory.Vial
		if d.VialID != nil {
			if v, ok := st.vials[*d.VialID]; ok {
				vial = &v
				row.RemainingVolumeMl = v.RemainingVolumeMl
				if v.SizeMl.Valid && v.RemainingVolumeMl.Valid {
					row.DispensedTotalVial = inventory.NewVolume(v.SizeMl.Decimal.Sub(v.RemainingVolumeMl.Decimal))
				}
			}
		}
		if r, ok := st.dea[d.ID]; ok {
			schedule, units := r.DEASchedule, r.Units
			row.DEASchedule = &schedule
			row.Units = &units
			row.DEADrugName = r.DEADrugName
			row.DEADrugCode = r.DEADrugCode
		}
		if vial != nil {
			row.DEADrugName = coalesce(row.DEADrugName, vial.DEADrugName)
			row.DEADrugCode = coalesce(row.DEADrugCode, vial.DEADrugCode)
		}
		row.CreatedByName = st.userName(&d.CreatedBy)
		row.SignedByName = st.userName(d.SignedBy)
		row.PrescribingProviderName = st.userName(d.PrescribingProviderID)
		out = append(out, row)
	}
	return out, nil
}

func (s *Store) ListPatientDispenses(ctx context.Context, patientID string, limit int) ([]*inventory.PatientDispenseRow, error) {
	st := s.snapshot()
	var out []*inventory.PatientDispenseRow
	for _, d := range st.newestDispenses(func(d inventory.Dispense) bool {
		return d.PatientID != nil && *d.PatientID == patientID
	}) {
		if len(out) == limit {
			break
		}
		row := &inventory.PatientDispenseRow{
			DispenseID:       d.ID,
			DispenseDate:     d.DispenseDate,
			TransactionType:  d.TransactionType,
			TotalAmount:      d.TotalAmount,
			TotalDispensedMl: d.TotalDispensedMl,
			WasteMl:          d.WasteMl,
			SyringeCount:     d.SyringeCount,
			DosePerSyringeMl: d.DosePerSyringeMl,
			Notes:            d.Notes,
			CreatedByName:    st.userName(&d.CreatedBy),
			SignedByName:     st.userName(d.SignedBy),
			SignedAt:         d.SignedAt,
		}
		if d.VialID != nil {
			if v, ok := st.vials[*d.VialID]; ok {
				ext := v.ExternalID
				row.VialExternalID = &ext
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func (s *Store) SignatureQueue(ctx context.Context) ([]*inventory.SignatureQueueRow, error) {
	st := s.snapshot()
	var out []*inventory.SignatureQueueRow
	for _, d := range st.newestDispenses(func(d inventory.Dispense) bool {
		return d.SignatureStatus != inventory.SignatureSigned
	}) {
		out = append(out, &inventory.SignatureQueueRow{
			DispenseID:       d.ID,
			DispenseDate:     d.DispenseDate,
			VialExternalID:   d.VialExternalID,
			TransactionType:  d.TransactionType,
			PatientName:      d.PatientName,
			TotalDispensedMl: d.TotalDispensedMl,
			WasteMl:          d.WasteMl,
			TotalAmount:      d.TotalAmount,
			Notes:            d.Notes,
			CreatedBy:        d.CreatedBy,
			CreatedByName:    st.userName(&d.CreatedBy),
			CreatedByRole:    d.CreatedByRole,
			SignedBy:         d.SignedBy,
			SignedByName:     st.userName(d.SignedBy),
			SignedAt:         d.SignedAt,
			SignatureStatus:  d.SignatureStatus,
			SignatureNote:    d.SignatureNote,
		})
	}
	return out, nil
}

func (s *Store) SignatureSummary(ctx context.Context) (*inventory.SignatureSummary, error) {
	st := s.snapshot()
	sum := &inventory.SignatureSummary{}
	for _, d := range st.dispenses {
		if d.SignatureStatus != inventory.SignatureSigned {
			sum.PendingCount++
		}
		if d.SignedAt != nil && (sum.MostRecentSignedAt == nil || d.SignedAt.After(*sum.MostRecentSignedAt)) {
			at := *d.SignedAt
			sum.MostRecentSignedAt = &at
		}
	}
	return sum, nil
}

func (s *Store) DispenseHistory(ctx context.Context, dispenseID string) ([]*inventory.HistoryEvent, error) {
	st := s.snapshot()
	var out []*inventory.HistoryEvent
	for i := len(st.history) - 1; i >= 0; i-- {
		e := st.history[i]
		linked := e.DispenseID != nil && *e.DispenseID == dispenseID
		if !linked {
			if id, ok := e.Payload["dispenseId"].(string); !ok || id != dispenseID {
				continue
			}
		}
		e.ActorDisplayName = st.userName(e.ActorUserID)
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DEALog(ctx context.Context, start, end time.Time) ([]*inventory.DEATransaction, error) {
	st := s.snapshot()
	var out []*inventory.DEATransaction
	for _, r := range st.dea {
		if !start.IsZero() && r.TransactionTime.Before(start) {
			continue
		}
		if !end.IsZero() && r.TransactionTime.After(end) {
			continue
		}
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionTime.After(out[j].TransactionTime) })
	return out, nil
}

func (s *Store) CountChecks(ctx context.Context, since string) ([]*inventory.CountCheck, error) {
	st := s.snapshot()
	var out []*inventory.CountCheck
	for _, c := range st.checks {
		if c.CheckDate < since {
			continue
		}
		c.PerformedByName = st.userName(&c.PerformedBy)
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CheckDate != out[j].CheckDate {
			return out[i].CheckDate > out[j].CheckDate
		}
		return out[i].PerformedAt.After(out[j].PerformedAt)
	})
	return out, nil
}
