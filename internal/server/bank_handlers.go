package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/bank"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type customerRequestPayload struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type customerUpdatePayload struct {
	Name    *string `json:"name"`
	Phone   *string `json:"phone"`
	Address *string `json:"address"`
}

type customerDeletionPayload struct {
	CustomerID string   `json:"customerId"`
	DepositIDs []string `json:"depositIds"`
}

type reconciliationPayload struct {
	CustomerID string  `json:"customerId"`
	Previous   float64 `json:"previous"`
	Recomputed float64 `json:"recomputed"`
	Drifted    bool    `json:"drifted"`
}

type lineItemPayload struct {
	WasteType string `json:"wasteType"`
	Weight    any    `json:"weight"`
}

type submissionPayload struct {
	CustomerID string            `json:"customerId"`
	Items      []lineItemPayload `json:"items"`
}

type depositUpdatePayload struct {
	WasteType *string `json:"wasteType"`
	Weight    any     `json:"weight"`
	Timestamp *string `json:"timestamp"`
}

type depositChangePayload struct {
	Deposit       bank.Deposit `json:"deposit"`
	Delta         float64      `json:"delta"`
	CustomerTotal *float64     `json:"customerTotal"`
}

func (h *httpHandler) handleCreateCustomer(c *gin.Context) {
	var request customerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidBody(c, err)
		return
	}
	fields, err := bank.NewCustomerFields(request.Name, request.Phone, request.Address)
	if err != nil {
		h.respondError(c, err)
		return
	}
	customer, err := h.bank.CreateCustomer(c.Request.Context(), fields)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, customer)
}

func (h *httpHandler) handleListCustomers(c *gin.Context) {
	customers, err := h.bank.ListCustomers(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customers": bank.FilterCustomers(customers, c.Query("q"))})
}

func (h *httpHandler) handleGetCustomer(c *gin.Context) {
	id, err := bank.NewCustomerID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	customer, found, err := h.bank.GetCustomer(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !found {
		respondNotFound(c, "customer")
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (h *httpHandler) handleUpdateCustomer(c *gin.Context) {
	id, err := bank.NewCustomerID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request customerUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidBody(c, err)
		return
	}
	update := bank.CustomerUpdate{Name: request.Name, Phone: request.Phone, Address: request.Address}
	if err := h.bank.UpdateCustomer(c.Request.Context(), id, update); err != nil {
		h.respondError(c, err)
		return
	}
	customer, found, err := h.bank.GetCustomer(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !found {
		respondNotFound(c, "customer")
		return
	}
	c.JSON(http.StatusOK, customer)
}

func (h *httpHandler) handleDeleteCustomer(c *gin.Context) {
	id, err := bank.NewCustomerID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	deletion, err := h.bank.DeleteCustomer(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("customer removed by operator",
		zap.String("operator", c.GetString(operatorContextKey)),
		zap.String("customer_id", deletion.CustomerID),
		zap.Int("deposit_count", len(deletion.DepositIDs)))
	c.JSON(http.StatusOK, customerDeletionPayload{CustomerID: deletion.CustomerID, DepositIDs: deletion.DepositIDs})
}

func (h *httpHandler) handleReconcileCustomer(c *gin.Context) {
	id, err := bank.NewCustomerID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	reconciliation, err := h.bank.ReconcileCustomerTotal(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !reconciliation.Found {
		respondNotFound(c, "customer")
		return
	}
	c.JSON(http.StatusOK, reconciliationPayload{
		CustomerID: reconciliation.CustomerID,
		Previous:   reconciliation.Previous,
		Recomputed: reconciliation.Recomputed,
		Drifted:    reconciliation.Drifted(),
	})
}

func (h *httpHandler) handleListCustomerDeposits(c *gin.Context) {
	id, err := bank.NewCustomerID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	deposits, err := h.bank.ListCustomerDeposits(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposits": deposits, "totalWeight": bank.SumWeights(deposits)})
}

func (h *httpHandler) handleCreateDeposits(c *gin.Context) {
	var request submissionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidBody(c, err)
		return
	}
	customerID, err := bank.NewCustomerID(request.CustomerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	items := make([]bank.LineItem, 0, len(request.Items))
	for _, item := range request.Items {
		weight, err := bank.ParseWeight(item.Weight)
		if err != nil {
			h.respondError(c, err)
			return
		}
		items = append(items, bank.LineItem{WasteType: item.WasteType, Weight: weight})
	}
	changes, err := h.bank.CreateDeposits(c.Request.Context(), customerID, items)
	if err != nil {
		if len(changes) > 0 {
			h.logger.Warn("submission partially recorded",
				zap.String("customer_id", customerID.String()),
				zap.Int("recorded", len(changes)),
				zap.Int("submitted", len(items)))
		}
		h.respondError(c, err)
		return
	}
	payloads := make([]depositChangePayload, 0, len(changes))
	for _, change := range changes {
		payloads = append(payloads, changePayload(change))
	}
	c.JSON(http.StatusCreated, gin.H{"deposits": payloads})
}

func (h *httpHandler) handleListDeposits(c *gin.Context) {
	deposits, err := h.bank.ListDeposits(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deposits": deposits, "totalWeight": bank.SumWeights(deposits)})
}

func (h *httpHandler) handleListDepositGroups(c *gin.Context) {
	deposits, err := h.bank.ListDeposits(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	groups := bank.FilterByName(bank.GroupByCustomer(deposits), c.Query("q"))
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (h *httpHandler) handleUpdateDeposit(c *gin.Context) {
	id, err := bank.NewDepositID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	var request depositUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		respondInvalidBody(c, err)
		return
	}
	update := bank.DepositUpdate{WasteType: request.WasteType, Timestamp: request.Timestamp}
	if request.Weight != nil {
		weight, err := bank.ParseWeight(request.Weight)
		if err != nil {
			h.respondError(c, err)
			return
		}
		update.Weight = &weight
	}
	change, err := h.bank.UpdateDeposit(c.Request.Context(), id, update)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !change.Found {
		respondNotFound(c, "deposit")
		return
	}
	c.JSON(http.StatusOK, changePayload(change))
}

func (h *httpHandler) handleDeleteDeposit(c *gin.Context) {
	id, err := bank.NewDepositID(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	change, err := h.bank.DeleteDeposit(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !change.Found {
		respondNotFound(c, "deposit")
		return
	}
	c.JSON(http.StatusOK, changePayload(change))
}

func changePayload(change bank.DepositChange) depositChangePayload {
	payload := depositChangePayload{Deposit: change.Deposit, Delta: change.Delta}
	if change.Total.Found {
		total := change.Total.Current
		payload.CustomerTotal = &total
	}
	return payload
}
