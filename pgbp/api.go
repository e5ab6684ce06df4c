package pgbp

import (
	"encoding/binary"
)

type Operation string

const (
	MintRequestOp     Operation = "mint_request"
	AuthRequestOp     Operation = "auth_request"
	AuthGrantedOp     Operation = "auth_granted"
	PaymentCompleteOp Operation = "payment_complete"
	PauseOp           Operation = "pause"
	UnpauseOp         Operation = "unpause"
)

// MaxNonceLength bounds the hex nonce sent with every signed request.
const MaxNonceLength = 64

// CallerAuth identifies and authenticates the caller of a state-changing operation.
// Caller is a hex encoded compressed secp256k1 public key and Signature a hex
// encoded BIP-340 signature over the sha256 of the operation message.
// Nonce is chosen by the caller and may be used only once.
type CallerAuth struct {
	Caller    string `json:"caller"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// message binds the caller and nonce to the operation parts.
func (a CallerAuth) message(op Operation, parts ...[]byte) []byte {
	authParts := [][]byte{[]byte(a.Caller), []byte(a.Nonce)}
	return SigningMessage(op, a.Timestamp, append(authParts, parts...)...)
}

// SigningMessage builds the bytes signed for an operation:
// op || timestamp (8 bytes BE) || for each part: len (4 bytes BE) || part
func SigningMessage(op Operation, timestamp int64, parts ...[]byte) []byte {
	msg := make([]byte, 0, len(op)+8+len(parts)*36)
	msg = append(msg, op...)
	msg = binary.BigEndian.AppendUint64(msg, uint64(timestamp))
	for _, part := range parts {
		msg = binary.BigEndian.AppendUint32(msg, uint32(len(part)))
		msg = append(msg, part...)
	}
	return msg
}

type PostMintRequestRequest struct {
	CallerAuth
	// amount in base units
	Amount        string `json:"amount"`
	EncryptedData []byte `json:"encryptedData"`
}

func (r PostMintRequestRequest) Message() []byte {
	return r.message(MintRequestOp, []byte(r.Amount), r.EncryptedData)
}

type PostAuthRequestRequest struct {
	CallerAuth
	Id            string `json:"id"`
	EncryptedData []byte `json:"encryptedData"`
}

func (r PostAuthRequestRequest) Message() []byte {
	return r.message(AuthRequestOp, []byte(r.Id), r.EncryptedData)
}

type PostAuthGrantedRequest struct {
	CallerAuth
	Id            string `json:"id"`
	EncryptedData []byte `json:"encryptedData"`
}

func (r PostAuthGrantedRequest) Message() []byte {
	return r.message(AuthGrantedOp, []byte(r.Id), r.EncryptedData)
}

type PostPaymentCompleteRequest struct {
	CallerAuth
	Id string `json:"id"`
}

func (r PostPaymentCompleteRequest) Message() []byte {
	return r.message(PaymentCompleteOp, []byte(r.Id))
}

// PostPauseRequest is used for both pause and unpause.
type PostPauseRequest struct {
	CallerAuth
}

func (r PostPauseRequest) Message(op Operation) []byte {
	return r.message(op)
}

type MintRequestResponse struct {
	Id         string `json:"id"`
	Requester  string `json:"requester"`
	Amount     string `json:"amount"`
	Expiration int64  `json:"expiration"`
	Status     Status `json:"status"`
	CreatedAt  int64  `json:"createdAt"`
}

type PaymentCompleteResponse struct {
	MintRequestResponse
	Minted string `json:"minted"`
}

type GetEventsResponse struct {
	Events []Event `json:"events"`
}

type InfoResponse struct {
	Name             string `json:"name"`
	Symbol           string `json:"symbol"`
	Decimals         int    `json:"decimals"`
	RequestTTL       int64  `json:"requestTtl"`
	RatioNumerator   string `json:"ratioNumerator"`
	RatioDenominator string `json:"ratioDenominator"`
	Operator         string `json:"operator"`
	Paused           bool   `json:"paused"`
	TotalSupply      string `json:"totalSupply"`
}

type PublicKeyResponse struct {
	// base64 encoded x25519 public key
	PublicKey string `json:"publicKey"`
}

type BalanceResponse struct {
	Account string `json:"account"`
	Balance string `json:"balance"`
}

type PauseResponse struct {
	Paused bool `json:"paused"`
}
