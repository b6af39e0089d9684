package audithook

// Action constants for audit events.
const (
	// Fee actions
	ActionFeeAccrued       = "fee.accrued"
	ActionFeeCollected     = "fee.collected"
	ActionSettlementFailed = "settlement.failed"
	ActionRecordsFlushed   = "records.flushed"

	// Governance actions
	ActionPolicyChanged = "policy.changed"

	// Vault actions
	ActionVaultDeposit           = "vault.deposit"
	ActionDonation               = "donation.credited"
	ActionDonationAddressChanged = "donation_address.changed"

	// Strategy actions
	ActionYieldReported = "yield.reported"
)

// Resource constants for audit events.
const (
	ResourceFee      = "fee"
	ResourcePolicy   = "policy"
	ResourceVault    = "vault"
	ResourceStrategy = "strategy"
)

// Category constants for audit events.
const (
	CategoryFees       = "fees"
	CategorySettlement = "settlement"
	CategoryGovernance = "governance"
	CategoryDonation   = "donation"
	CategoryYield      = "yield"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
