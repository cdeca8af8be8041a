// Package service implements the HTTP API of the gift agent.
package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gitlab.com/dirk.krummacker/giftagent/internal/birthday"
	"gitlab.com/dirk.krummacker/giftagent/internal/delivery"
	"gitlab.com/dirk.krummacker/giftagent/internal/gifting"
	"gitlab.com/dirk.krummacker/giftagent/internal/logger"
	"gitlab.com/dirk.krummacker/giftagent/internal/model"
	"gitlab.com/dirk.krummacker/giftagent/internal/store"
	apimodel "gitlab.com/dirk.krummacker/giftagent/pkg/model"
)

// defaultLimit is the page size of list calls without a 'limit' URL parameter.
const defaultLimit = 100

// maxLimit is the largest accepted page size.
const maxLimit = 1000

// Dispatcher runs birthday batches and manual sends.
type Dispatcher interface {
	Run(ctx context.Context) gifting.Report
	Send(ctx context.Context, contactId string, amount decimal.Decimal, description string) (gifting.Outcome, error)
}

// Sweeper runs one delivery status sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (delivery.Result, error)
}

// ContactFinder looks up contacts.
type ContactFinder interface {
	FindContacts(ctx context.Context, q store.ContactQuery) ([]model.Contact, error)
	GetContact(ctx context.Context, id string) (model.Contact, error)
}

// TransactionReader looks up recorded transactions.
type TransactionReader interface {
	GetTransaction(ctx context.Context, id int64) (model.Transaction, error)
	ListTransactions(ctx context.Context, ownerId string, limit, offset int) ([]model.Transaction, error)
}

// Pinger reports whether the database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Dispatcher   Dispatcher
	Sweeper      Sweeper
	Contacts     ContactFinder
	Transactions TransactionReader
	Database     Pinger
	// Gatherer serves /metrics. The endpoint is not registered when it is nil.
	Gatherer prometheus.Gatherer
}

// Service holds the handlers of the HTTP API.
type Service struct {
	deps       Deps
	cronSecret string
	log        *zap.Logger
}

// New creates the service. An empty cron secret is accepted here so that the service can
// still answer health checks, but every protected endpoint then fails with 500.
func New(deps Deps, cronSecret string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{deps: deps, cronSecret: cronSecret, log: log}
}

// SetupHttpRouter initializes the REST API router and registers all endpoints.
func (s *Service) SetupHttpRouter(requestLogging bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if requestLogging {
		router.Use(logger.GinMiddleware(s.log))
	}
	router.GET("/healthz", s.health)
	if s.deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	protected := api.Group("", s.authorize)
	protected.POST("/cron/check-birthdays", s.checkBirthdays)
	protected.POST("/cron/progress-deliveries", s.progressDeliveries)
	protected.POST("/send-payment", s.sendPayment)
	api.GET("/contacts", s.findContacts)
	api.GET("/contacts/:id", s.findContactByID)
	api.GET("/transactions", s.findTransactions)
	api.GET("/transactions/:id", s.findTransactionByID)
	return router
}

// health answers 200 when the database is reachable.
//
// Example REST API call:
//
//	> curl http://localhost:8080/healthz
func (s *Service) health(c *gin.Context) {
	if s.deps.Database != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Database.PingContext(ctx); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"message": "database unavailable"})
			return
		}
	}
	c.IndentedJSON(http.StatusOK, gin.H{"message": "ok"})
}

// authorize rejects requests that do not carry the shared cron secret as bearer token.
func (s *Service) authorize(c *gin.Context) {
	if s.cronSecret == "" {
		s.log.Error("cron secret is not configured, rejecting protected call", zap.String("path", c.FullPath()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"success": false, "message": "server misconfigured"})
		return
	}
	token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !found || subtle.ConstantTimeCompare([]byte(token), []byte(s.cronSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Unauthorized"})
		return
	}
	c.Next()
}

// checkBirthdays runs one birthday dispatch batch and responds with its summary. The batch
// is not cancelled when the caller goes away.
//
// Example REST API call:
//
//	> curl http://localhost:8080/api/cron/check-birthdays --request "POST" --header "Authorization: Bearer $CRON_SECRET"
func (s *Service) checkBirthdays(c *gin.Context) {
	report := s.deps.Dispatcher.Run(context.WithoutCancel(c.Request.Context()))
	summary := report.Summary()
	if !summary.Success {
		c.IndentedJSON(http.StatusInternalServerError, summary)
		return
	}
	c.IndentedJSON(http.StatusOK, summary)
}

// progressDeliveries runs one delivery status sweep.
//
// Example REST API call:
//
//	> curl http://localhost:8080/api/cron/progress-deliveries --request "POST" --header "Authorization: Bearer $CRON_SECRET"
func (s *Service) progressDeliveries(c *gin.Context) {
	result, err := s.deps.Sweeper.Sweep(context.WithoutCancel(c.Request.Context()))
	if err != nil {
		s.log.Error("delivery sweep failed", zap.Error(err))
		c.IndentedJSON(http.StatusInternalServerError, apimodel.SweepSummary{Success: false, Message: "delivery sweep failed"})
		return
	}
	c.IndentedJSON(http.StatusOK, result.Summary())
}

// sendPayment pays an ad-hoc gift to the contact with id 'toId' and records it.
//
// Example REST API call:
//
//	> curl http://localhost:8080/api/send-payment --request "POST" --header "Authorization: Bearer $CRON_SECRET" --header "Content-Type: application/json" --data '{"toId": "4b0c...", "amount": "25", "description": "Congratulations"}'
func (s *Service) sendPayment(c *gin.Context) {
	var request apimodel.SendRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid JSON"})
		return
	}
	outcome, err := s.deps.Dispatcher.Send(c.Request.Context(), request.ToId, request.Amount, request.Description)
	switch {
	case errors.Is(err, gifting.ErrInvalidAmount):
		c.AbortWithStatusJSON(http.StatusBadRequest, apimodel.SendResponse{Message: "amount must be positive"})
		return
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, apimodel.SendResponse{Message: "contact not found"})
		return
	case err != nil:
		s.log.Error("manual send failed", zap.String("contact_id", request.ToId), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, apimodel.SendResponse{Message: "could not send payment"})
		return
	}

	response := apimodel.SendResponse{Success: outcome.Result == gifting.ResultSent}
	if outcome.TransactionId != 0 {
		response.TransactionId = &outcome.TransactionId
	}
	if !response.Success {
		response.Message = "payment failed"
		c.IndentedJSON(http.StatusInternalServerError, response)
		return
	}
	response.Message = "payment sent to " + outcome.ContactName
	c.IndentedJSON(http.StatusOK, response)
}

// findContacts responds with a page of contacts as JSON, ordered by name.
//
// The URL parameter 'ownerId' restricts the result to the contacts of one user.
//
// The URL parameter 'birthday' consists of a month part and a day part, separated by '-'. The call
// returns all contacts that have their birthday on this month and day, regardless of the year.
//
// The URL parameter 'limit' specifies how many contacts matching the search criteria are returned.
// The URL parameter 'offset' specifies how many items from the sorted list of results are skipped
// in the beginning. Together with the 'limit' parameter, one can implement search result paging.
//
// REST API calls:
//
//	> curl "http://localhost:8080/api/contacts"
//	> curl "http://localhost:8080/api/contacts?ownerId=user-1"
//	> curl "http://localhost:8080/api/contacts?birthday=11-29"
//	> curl "http://localhost:8080/api/contacts?limit=20&offset=60"
func (s *Service) findContacts(c *gin.Context) {
	query := store.ContactQuery{OwnerId: c.Query("ownerId")}
	if value := c.Query("birthday"); value != "" {
		md, err := birthday.Parse(value)
		if err != nil || len(value) != len("MM-DD") {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid birthday URL parameter"})
			return
		}
		query.Birthday = &md
	}
	var success bool
	query.Limit, query.Offset, success = parseLimitAndOffset(c)
	if !success {
		return
	}
	contacts, err := s.deps.Contacts.FindContacts(c.Request.Context(), query)
	if err != nil {
		s.internalError(c, err)
		return
	}
	if len(contacts) == 0 {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": "contact not found"})
	} else {
		c.IndentedJSON(http.StatusOK, contacts)
	}
}

// findContactByID locates the contact whose ID value matches the id parameter of the request URL,
// then returns that contact as a response.
//
// Example REST API call:
//
//	> curl http://localhost:8080/api/contacts/4b0c8a1e-4a4f-4d8e-9f6a-0d7e3c2b1a90
func (s *Service) findContactByID(c *gin.Context) {
	contact, err := s.deps.Contacts.GetContact(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": "contact not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, contact)
}

// findTransactions responds with a page of the transactions of the user given by the
// mandatory URL parameter 'ownerId', newest first. Paging works as for contacts.
//
// Example REST API call:
//
//	> curl "http://localhost:8080/api/transactions?ownerId=user-1&limit=10"
func (s *Service) findTransactions(c *gin.Context) {
	ownerId := c.Query("ownerId")
	if ownerId == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "missing ownerId parameter"})
		return
	}
	limit, offset, success := parseLimitAndOffset(c)
	if !success {
		return
	}
	transactions, err := s.deps.Transactions.ListTransactions(c.Request.Context(), ownerId, limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, transactions)
}

// findTransactionByID returns the transaction with the numeric id of the request URL.
//
// Example REST API call:
//
//	> curl http://localhost:8080/api/transactions/17
func (s *Service) findTransactionByID(c *gin.Context) {
	id, errConv := strconv.ParseInt(c.Param("id"), 10, 64)
	if errConv != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"message": "invalid id parameter"})
		return
	}
	transaction, err := s.deps.Transactions.GetTransaction(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		c.IndentedJSON(http.StatusNotFound, gin.H{"message": "transaction not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.IndentedJSON(http.StatusOK, transaction)
}

// parseLimitAndOffset inspects the URL parameters and determines values for limit and offset of
// the result set.
func parseLimitAndOffset(c *gin.Context) (limit int, offset int, success bool) {
	limit = defaultLimit
	if value := c.Query("limit"); value != "" {
		var errConv error
		limit, errConv = strconv.Atoi(value)
		if errConv != nil || limit < 1 || limit > maxLimit {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid limit parameter"})
			return 0, 0, false
		}
	}
	if value := c.Query("offset"); value != "" {
		var errConv error
		offset, errConv = strconv.Atoi(value)
		if errConv != nil || offset < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"message": "invalid offset parameter"})
			return 0, 0, false
		}
	}
	return limit, offset, true
}

func (s *Service) internalError(c *gin.Context, err error) {
	s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
}
