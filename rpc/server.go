package rpc

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/sponsorlab/paymaster"
	"github.com/sponsorlab/paymaster/errs"
)

// JSON-RPC error codes. The standard codes cover envelope problems; the
// -32xxx application range below them is carved up per rejection kind so
// callers can branch without parsing messages.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603

	codeUnsupportedNetwork       = -32010
	codeUnsupportedEntryPoint    = -32011
	codeUnsupportedNetworkToken  = -32012
	codeUnsupportedTokenDecimals = -32013
	codeInvalidUserOperation     = -32014
	codeOracleUnavailable        = -32020
	codeStalePrice               = -32021
	codePolicyNotApplicable      = -32030
	codePolicyExpired            = -32031
	codeNotWhitelisted           = -32032
	codeContractNotWhitelisted   = -32033
	codeQuotaExceeded            = -32034
	codeSigningFailure           = -32040
)

var kindCodes = map[errs.Kind]int{
	errs.KindUnsupportedNetwork:       codeUnsupportedNetwork,
	errs.KindUnsupportedEntryPoint:    codeUnsupportedEntryPoint,
	errs.KindUnsupportedNetworkToken:  codeUnsupportedNetworkToken,
	errs.KindUnsupportedTokenDecimals: codeUnsupportedTokenDecimals,
	errs.KindInvalidUserOperation:     codeInvalidUserOperation,
	errs.KindInvalidRequest:           codeInvalidParams,
	errs.KindOracleUnavailable:        codeOracleUnavailable,
	errs.KindStalePrice:               codeStalePrice,
	errs.KindPolicyNotApplicable:      codePolicyNotApplicable,
	errs.KindPolicyExpired:            codePolicyExpired,
	errs.KindNotWhitelisted:           codeNotWhitelisted,
	errs.KindContractNotWhitelisted:   codeContractNotWhitelisted,
	errs.KindQuotaExceeded:            codeQuotaExceeded,
	errs.KindSigningFailure:           codeSigningFailure,
}

// rpcError converts an engine error into the wire error object. Unknown
// errors collapse to an internal error with no detail leakage.
func rpcError(err error) *Error {
	var typed *errs.Error
	if errors.As(err, &typed) {
		code, ok := kindCodes[typed.Kind]
		if !ok {
			code = codeInternalError
		}
		out := &Error{Code: code, Message: typed.Message}
		if len(typed.Details) > 0 {
			out.Data = typed.Details
		}
		return out
	}
	return &Error{Code: codeInternalError, Message: "internal error"}
}

// Server exposes the engine over JSON-RPC plus a diagnostic cache view.
type Server struct {
	engine *paymaster.Engine
	router *gin.Engine
}

// NewServer builds the HTTP surface around an engine. The returned Server
// is an http.Handler.
func NewServer(engine *paymaster.Engine) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{engine: engine}

	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/", s.handleRPC)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/diag/caches", s.handleCaches)
	s.router = router
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleRPC(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusOK, Response{JSONRPC: "2.0", Error: &Error{Code: codeParseError, Message: "unreadable body"}})
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusOK, Response{JSONRPC: "2.0", Error: &Error{Code: codeParseError, Message: "invalid JSON"}})
		return
	}
	if req.JSONRPC != "2.0" {
		c.JSON(http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: codeInvalidRequest, Message: "jsonrpc must be \"2.0\""}})
		return
	}

	resp := Response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "pm_sponsorUserOperation":
		result, err := s.sponsor(c, &req)
		if err != nil {
			log.Debugf("pm_sponsorUserOperation rejected: %v", err)
			resp.Error = rpcError(err)
		} else {
			resp.Result = result
		}
	case "pm_getERC20TokenQuotes":
		result, err := s.quotes(c, &req)
		if err != nil {
			log.Debugf("pm_getERC20TokenQuotes rejected: %v", err)
			resp.Error = rpcError(err)
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &Error{Code: codeMethodNotFound, Message: "method not found"}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) sponsor(c *gin.Context, req *Request) (*paymaster.SponsorResponse, error) {
	sreq, err := decodeSponsorRequest(req.Params)
	if err != nil {
		return nil, err
	}
	log.Tracef("sponsor request: chain=%d version=%s mode=%s", sreq.ChainID, sreq.Version, sreq.Mode)
	return s.engine.SponsorUserOperation(c.Request.Context(), sreq)
}

func (s *Server) quotes(c *gin.Context, req *Request) ([]paymaster.TokenQuote, error) {
	qreq, err := decodeQuoteRequest(req.Params)
	if err != nil {
		return nil, err
	}
	return s.engine.TokenQuotes(c.Request.Context(), qreq)
}

func (s *Server) handleCaches(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Snapshot())
}
