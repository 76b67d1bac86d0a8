package auth

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tokenportal/portal/backend"
	"github.com/tokenportal/portal/endpoint"
	"github.com/tokenportal/portal/session"
	"github.com/tokenportal/portal/wallet"
)

// WalletParams carry a signed login message.
type WalletParams struct {
	Request wallet.Request `body:""`
}

// walletLogin authenticates a connected wallet and makes it the session's
// identity.
func (h *Handler) walletLogin(w http.ResponseWriter, r *http.Request, params WalletParams) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	if params.Request.Address == "" || params.Request.Signature == "" {
		return jsonError(http.StatusBadRequest, "address and signature are required", wallet.KindGeneric.String()), nil
	}

	res, err := h.wallets.Authenticate(r.Context(), params.Request)
	if err != nil {
		kind := wallet.Classify(err)
		h.logger.Info("wallet login rejected", zap.Stringer("kind", kind), zap.Error(err))
		return jsonError(walletStatus(err), kind.Message(), kind.String()), nil
	}

	s.LoginWithWallet(res.Address, res.User)
	return jsonOK(s.State()), nil
}

func walletStatus(err error) int {
	switch {
	case errors.Is(err, wallet.ErrInProgress):
		return http.StatusTooManyRequests
	case errors.Is(err, wallet.ErrInvalidAddress), errors.Is(err, wallet.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, backend.ErrUnauthorized), errors.Is(err, wallet.ErrReplayed):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

// WalletDisconnectParams name the wallet being disconnected.
type WalletDisconnectParams struct {
	Body struct {
		Address string `json:"address"`
	} `body:""`
}

// walletDisconnect forgets the wallet and ends a wallet session.
func (h *Handler) walletDisconnect(w http.ResponseWriter, r *http.Request, params WalletDisconnectParams) (endpoint.Renderer, error) {
	s, err := h.store(r)
	if err != nil {
		return nil, err
	}
	st := s.State()
	addr := params.Body.Address
	if addr == "" {
		addr = st.WalletAddress
	}
	if addr != "" {
		if err := h.wallets.Disconnect(r.Context(), addr); err != nil {
			return jsonError(http.StatusBadRequest, "invalid wallet address", wallet.KindGeneric.String()), nil
		}
	}
	if st.AuthMethod == session.MethodWallet {
		h.endSession(r.Context(), s)
	}
	return jsonOK(s.State()), nil
}
