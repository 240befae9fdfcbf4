package library

// Policy decides whether a principal may act on a transaction.
type Policy func(p Principal, tx *Transaction) bool

// OwnerOrAdmin allows the borrower and administrators.
func OwnerOrAdmin(p Principal, tx *Transaction) bool {
	return p.MemberID == tx.MemberID || p.Role == RoleAdmin
}

// OwnerOnly allows the borrower alone.
func OwnerOnly(p Principal, tx *Transaction) bool {
	return p.MemberID == tx.MemberID
}
