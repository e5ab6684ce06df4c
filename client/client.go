// Package client talks to the mint server over HTTP.
// State-changing calls are signed with the caller's identity.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/elnosh/provablegbp/crypto"
	"github.com/elnosh/provablegbp/pgbp"
	"github.com/holiman/uint256"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func GetInfo(mintURL string) (*pgbp.InfoResponse, error) {
	var info pgbp.InfoResponse
	if err := getJSON(mintURL+"/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetPublicKey returns the operator's encryption public key.
func GetPublicKey(mintURL string) (string, error) {
	var res pgbp.PublicKeyResponse
	if err := getJSON(mintURL+"/v1/publickey", &res); err != nil {
		return "", err
	}
	return res.PublicKey, nil
}

func GetMintRequest(mintURL, id string) (*pgbp.MintRequestResponse, error) {
	var res pgbp.MintRequestResponse
	if err := getJSON(mintURL+"/v1/mint/request/"+url.PathEscape(id), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func GetBalance(mintURL, account string) (*uint256.Int, error) {
	var res pgbp.BalanceResponse
	if err := getJSON(mintURL+"/v1/balance/"+url.PathEscape(account), &res); err != nil {
		return nil, err
	}
	return pgbp.ParseAmount(res.Balance)
}

func GetTotalSupply(mintURL string) (*uint256.Int, error) {
	var res pgbp.BalanceResponse
	if err := getJSON(mintURL+"/v1/supply", &res); err != nil {
		return nil, err
	}
	return pgbp.ParseAmount(res.Balance)
}

func GetEvents(mintURL string, filter pgbp.EventFilter) ([]pgbp.Event, error) {
	query := url.Values{}
	if filter.FromSeq > 0 {
		query.Set("from", strconv.FormatUint(filter.FromSeq, 10))
	}
	if len(filter.Requester) > 0 {
		query.Set("requester", filter.Requester)
	}
	if len(filter.RequestId) > 0 {
		query.Set("id", filter.RequestId)
	}
	for _, kind := range filter.Kinds {
		query.Add("kind", kind.String())
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}

	endpoint := mintURL + "/v1/events"
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var res pgbp.GetEventsResponse
	if err := getJSON(endpoint, &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

func PostMintRequest(mintURL string, id *crypto.Identity, amount *uint256.Int, encryptedData []byte) (
	*pgbp.MintRequestResponse, error) {
	request := pgbp.PostMintRequestRequest{Amount: amount.Dec(), EncryptedData: encryptedData}
	if err := signRequest(id, &request.CallerAuth, func() []byte { return request.Message() }); err != nil {
		return nil, err
	}

	var res pgbp.MintRequestResponse
	if err := postJSON(mintURL+"/v1/mint/request", request, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func PostAuthRequest(mintURL string, id *crypto.Identity, requestId string, encryptedData []byte) (
	*pgbp.MintRequestResponse, error) {
	request := pgbp.PostAuthRequestRequest{Id: requestId, EncryptedData: encryptedData}
	if err := signRequest(id, &request.CallerAuth, func() []byte { return request.Message() }); err != nil {
		return nil, err
	}

	var res pgbp.MintRequestResponse
	if err := postJSON(mintURL+"/v1/mint/auth", request, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func PostAuthGranted(mintURL string, id *crypto.Identity, requestId string, encryptedData []byte) (
	*pgbp.MintRequestResponse, error) {
	request := pgbp.PostAuthGrantedRequest{Id: requestId, EncryptedData: encryptedData}
	if err := signRequest(id, &request.CallerAuth, func() []byte { return request.Message() }); err != nil {
		return nil, err
	}

	var res pgbp.MintRequestResponse
	if err := postJSON(mintURL+"/v1/mint/grant", request, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func PostPaymentComplete(mintURL string, id *crypto.Identity, requestId string) (
	*pgbp.PaymentCompleteResponse, error) {
	request := pgbp.PostPaymentCompleteRequest{Id: requestId}
	if err := signRequest(id, &request.CallerAuth, func() []byte { return request.Message() }); err != nil {
		return nil, err
	}

	var res pgbp.PaymentCompleteResponse
	if err := postJSON(mintURL+"/v1/mint/complete", request, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func PostPause(mintURL string, id *crypto.Identity) (*pgbp.PauseResponse, error) {
	return postPause(mintURL+"/v1/admin/pause", id, pgbp.PauseOp)
}

func PostUnpause(mintURL string, id *crypto.Identity) (*pgbp.PauseResponse, error) {
	return postPause(mintURL+"/v1/admin/unpause", id, pgbp.UnpauseOp)
}

func postPause(endpoint string, id *crypto.Identity, op pgbp.Operation) (*pgbp.PauseResponse, error) {
	var request pgbp.PostPauseRequest
	message := func() []byte { return request.Message(op) }
	if err := signRequest(id, &request.CallerAuth, message); err != nil {
		return nil, err
	}

	var res pgbp.PauseResponse
	if err := postJSON(endpoint, request, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// signRequest fills auth for id and signs the message built from it.
// message must read the request after auth is filled.
func signRequest(id *crypto.Identity, auth *pgbp.CallerAuth, message func() []byte) error {
	nonce, err := crypto.NewNonce()
	if err != nil {
		return fmt.Errorf("could not generate request nonce: %v", err)
	}
	auth.Caller = id.Id()
	auth.Timestamp = time.Now().Unix()
	auth.Nonce = nonce
	signature, err := id.Sign(message())
	if err != nil {
		return fmt.Errorf("could not sign request: %v", err)
	}
	auth.Signature = signature
	return nil
}

func getJSON(url string, dst any) error {
	resp, err := get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeBody(resp.Body, dst)
}

func postJSON(url string, request any, dst any) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}

	resp, err := httpPost(url, "application/json", bytes.NewBuffer(requestBody))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeBody(resp.Body, dst)
}

func decodeBody(body io.Reader, dst any) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("error reading response from mint: %v", err)
	}
	return nil
}

func get(url string) (*http.Response, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, err
	}

	return parse(resp)
}

func httpPost(url, contentType string, body io.Reader) (*http.Response, error) {
	resp, err := httpClient.Post(url, contentType, body)
	if err != nil {
		return nil, err
	}

	return parse(resp)
}

// parse returns protocol errors sent by the mint as pgbp.Error
// so callers can compare them with errors.Is.
func parse(response *http.Response) (*http.Response, error) {
	if response.StatusCode == http.StatusOK {
		return response, nil
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	var errResponse pgbp.Error
	if err := json.Unmarshal(body, &errResponse); err == nil && errResponse.Code != 0 {
		return nil, errResponse
	}
	return nil, fmt.Errorf("unexpected response from mint (%v): %s", response.StatusCode, body)
}
