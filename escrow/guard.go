package escrow

// Guard decides which caller may trigger which transition. It has no side
// effects and never touches storage.
type Guard struct {
	arbitrator Principal
	vault      Principal
}

func NewGuard(arbitrator, vault Principal) Guard {
	return Guard{arbitrator: arbitrator, vault: vault}
}

// Vault is the holding account that custodies locked funds.
func (g Guard) Vault() Principal { return g.vault }

// Arbitrator is the identity allowed to force resolution.
func (g Guard) Arbitrator() Principal { return g.arbitrator }

func (g Guard) IsArbitrator(caller Principal) bool {
	return g.arbitrator != "" && caller == g.arbitrator
}

// CanFinalize allows the arbitrator or the record's payer to release funds.
func (g Guard) CanFinalize(caller Principal, rec Record) bool {
	return g.IsArbitrator(caller) || caller == rec.Payer
}

// CanReimburse allows the arbitrator at any time, and anyone once the window
// has lapsed.
func (g Guard) CanReimburse(caller Principal, rec Record, now Height) bool {
	return g.IsArbitrator(caller) || now >= rec.ExpiresAt
}

func (g Guard) CanMarkCompleted(caller Principal, rec Record) bool {
	return caller == rec.Payee
}

func (g Guard) CanReview(caller Principal, rec Record) bool {
	return caller == rec.Payer
}

// IsValidCounterparty rejects self-dealing and any escrow with the vault on
// either side.
func (g Guard) IsValidCounterparty(caller, payee Principal) bool {
	if payee == "" {
		return false
	}
	if caller == g.vault || payee == g.vault {
		return false
	}
	return payee != caller
}
