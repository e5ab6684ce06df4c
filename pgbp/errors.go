package pgbp

type ErrCode int

type Error struct {
	Detail string  `json:"detail"`
	Code   ErrCode `json:"code"`
}

func BuildError(detail string, code ErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

const (
	StandardErrCode ErrCode = 10000
	// These will never be returned in a response.
	// Used internally to log where the error originated.
	DBErrCode      ErrCode = 1
	ChannelErrCode ErrCode = 2

	NotFoundErrCode           ErrCode = 30001
	ExpiredErrCode            ErrCode = 30002
	InvalidTransitionErrCode  ErrCode = 30003
	UnauthorizedErrCode       ErrCode = 30004
	PausedErrCode             ErrCode = 30005
	InvalidAmountErrCode      ErrCode = 30006
	DirectMintDisabledErrCode ErrCode = 30007
	InvalidSignatureErrCode   ErrCode = 30008
	InvalidPayloadErrCode     ErrCode = 30009
	InvalidKeyErrCode         ErrCode = 30010
	DecryptionFailedErrCode   ErrCode = 30011
)

var (
	StandardErr           = Error{Detail: "mint is currently unable to process request", Code: StandardErrCode}
	EmptyBodyErr          = Error{Detail: "request body cannot be empty", Code: StandardErrCode}
	NotFoundErr           = Error{Detail: "mint request does not exist", Code: NotFoundErrCode}
	ExpiredErr            = Error{Detail: "mint request has expired", Code: ExpiredErrCode}
	InvalidTransitionErr  = Error{Detail: "operation not allowed in current request state", Code: InvalidTransitionErrCode}
	UnauthorizedErr       = Error{Detail: "caller not allowed to perform operation", Code: UnauthorizedErrCode}
	PausedErr             = Error{Detail: "mint is paused", Code: PausedErrCode}
	AlreadyPausedErr      = Error{Detail: "mint is already paused", Code: InvalidTransitionErrCode}
	NotPausedErr          = Error{Detail: "mint is not paused", Code: InvalidTransitionErrCode}
	InvalidAmountErr      = Error{Detail: "invalid amount", Code: InvalidAmountErrCode}
	SupplyOverflowErr     = Error{Detail: "amount exceeds maximum token supply", Code: InvalidAmountErrCode}
	DirectMintDisabledErr = Error{Detail: "you cannot mint directly", Code: DirectMintDisabledErrCode}
	InvalidSignatureErr   = Error{Detail: "invalid caller signature", Code: InvalidSignatureErrCode}
	StaleTimestampErr     = Error{Detail: "request timestamp outside of allowed window", Code: InvalidSignatureErrCode}
	InvalidNonceErr       = Error{Detail: "request nonce must be 1 to 64 hex characters", Code: InvalidSignatureErrCode}
	ReplayedRequestErr    = Error{Detail: "request nonce was already used", Code: InvalidSignatureErrCode}
	EmptyPayloadErr       = Error{Detail: "encrypted data cannot be empty", Code: InvalidPayloadErrCode}
	PayloadTooLargeErr    = Error{Detail: "encrypted data exceeds maximum size", Code: InvalidPayloadErrCode}
	InvalidKeyErr         = Error{Detail: "invalid public key", Code: InvalidKeyErrCode}
	DecryptionFailedErr   = Error{Detail: "could not decrypt envelope", Code: DecryptionFailedErrCode}
)
