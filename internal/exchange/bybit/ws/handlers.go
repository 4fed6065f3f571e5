package ws

import (
	"encoding/json"
	"strconv"
	"time"

	"perpbot/internal/exchange"
	"perpbot/internal/models"
)

func (w *Client) handleExecution(msg Message) {
	var data []struct {
		OrderID   string `json:"orderId"`
		OrderLink string `json:"orderLinkId"`
		ExecID    string `json:"execId"`
		Symbol    string `json:"symbol"`
		Side      string `json:"side"`
		ExecPrice string `json:"execPrice"`
		ExecQty   string `json:"execQty"`
		ExecFee   string `json:"execFee"`
		ExecTime  string `json:"execTime"`
		Seq       int64  `json:"seq"`
	}

	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать execution.")
		return
	}

	for _, item := range data {
		w.logEntry().WithFields(map[string]interface{}{
			"symbol":        item.Symbol,
			"side":          item.Side,
			"exec_id":       item.ExecID,
			"order_id":      item.OrderID,
			"order_link_id": item.OrderLink,
			"price":         item.ExecPrice,
			"qty":           item.ExecQty,
			"ts":            item.ExecTime,
			"seq":           item.Seq,
		}).Debug("execution")

		price, _ := strconv.ParseFloat(item.ExecPrice, 64)
		qty, _ := strconv.ParseFloat(item.ExecQty, 64)
		fee, _ := strconv.ParseFloat(item.ExecFee, 64)
		tsMs, _ := strconv.ParseInt(item.ExecTime, 10, 64)

		side := models.OrderSideSell
		if item.Side == "Buy" {
			side = models.OrderSideBuy
		}

		w.events <- exchange.Event{
			Type: exchange.EventTypeFill,
			Fill: &models.Fill{
				OrderID:   item.OrderID,
				LinkID:    item.OrderLink,
				ExecID:    item.ExecID,
				Symbol:    item.Symbol,
				Side:      side,
				Price:     price,
				Qty:       qty,
				Fee:       fee,
				Timestamp: time.UnixMilli(tsMs),
				Sequence:  item.Seq,
			},
		}
	}
}

func (w *Client) handleOrder(msg Message) {
	var data []struct {
		OrderID      string `json:"orderId"`
		OrderLink    string `json:"orderLinkId"`
		Symbol       string `json:"symbol"`
		Side         string `json:"side"`
		OrderType    string `json:"orderType"`
		Price        string `json:"price"`
		Qty          string `json:"qty"`
		LeavesQty    string `json:"leavesQty"`
		AvgPrice     string `json:"avgPrice"`
		OrderStatus  string `json:"orderStatus"`
		CancelType   string `json:"cancelType"`
		RejectReason string `json:"rejectReason"`
		Seq          int64  `json:"seq"`
	}

	if err := json.Unmarshal(msg.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать order.")
		return
	}

	for _, item := range data {
		w.logEntry().WithFields(map[string]interface{}{
			"symbol":        item.Symbol,
			"side":          item.Side,
			"order_id":      item.OrderID,
			"order_link_id": item.OrderLink,
			"type":          item.OrderType,
			"status":        item.OrderStatus,
			"cancel_type":   item.CancelType,
			"reject_reason": item.RejectReason,
			"price":         item.Price,
			"qty":           item.Qty,
			"leaves_qty":    item.LeavesQty,
			"seq":           item.Seq,
		}).Debug("order")

		price, _ := strconv.ParseFloat(item.Price, 64)
		qty, _ := strconv.ParseFloat(item.Qty, 64)
		leaves, _ := strconv.ParseFloat(item.LeavesQty, 64)
		avg, _ := strconv.ParseFloat(item.AvgPrice, 64)

		side := models.OrderSideSell
		if item.Side == "Buy" {
			side = models.OrderSideBuy
		}

		status := models.OrderStatus(item.OrderStatus)
		switch item.OrderStatus {
		case "New", "Untriggered":
			status = models.OrderStatusNew
		case "PartiallyFilled":
			status = models.OrderStatusPartiallyFilled
		case "Filled":
			status = models.OrderStatusFilled
		case "Cancelled", "Deactivated":
			status = models.OrderStatusCanceled
		case "Rejected":
			status = models.OrderStatusRejected
		}

		w.events <- exchange.Event{
			Type: exchange.EventTypeOrder,
			Order: &models.Order{
				ID:        item.OrderID,
				LinkID:    item.OrderLink,
				Symbol:    item.Symbol,
				Side:      side,
				Type:      models.OrderType(item.OrderType),
				Price:     price,
				Qty:       qty,
				FilledQty: qty - leaves,
				AvgPrice:  avg,
				Status:    status,
				Sequence:  item.Seq,
			},
		}
	}
}
