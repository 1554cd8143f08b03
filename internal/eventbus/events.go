package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Topic names every message kind the bus carries: BuySignal,
// SentimentChanged, NewLearning, PriceAlert, TradeProposed/Executed/
// Closed, CommandTrip, DecisionCompleted and ContentReceived. Widened
// from three hardcoded event structs into one typed topic
// per message kind; each New*Event constructor fills its typed shape
// and envelope without validating the field values.
const (
	TopicBuySignal         = "buy_signal"
	TopicSentimentChanged  = "sentiment_changed"
	TopicNewLearning       = "new_learning"
	TopicPriceAlert        = "price_alert"
	TopicTradeProposed     = "trade_proposed"
	TopicTradeExecuted     = "trade_executed"
	TopicTradeClosed       = "trade_closed"
	TopicCommandTrip       = "command_trip"
	TopicDecisionCompleted = "decision_completed"
	TopicContentReceived   = "content_received"
	TopicActorModerated    = "actor_moderated"

	EventVersion1 = "v1"
)

// envelope carries the fields common to every typed event, mirroring
// a {id, type, version, timestamp, data} shape. ID identifies the typed
// event itself in its serialized form and is independent of the bus
// Message.ID assigned when the envelope's owner is published (a stored
// or re-emitted copy of the same event keeps this ID even if it crosses
// the bus again under a new Message.ID).
type envelope struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func newEnvelope(topic string) envelope {
	return envelope{ID: uuid.NewString(), Type: topic, Version: EventVersion1, Timestamp: time.Now()}
}

// BuySignalEvent is published when a scanner or strategy believes
// conditions favor opening a position. Published at PriorityHigh.
type BuySignalEvent struct {
	envelope
	Data struct {
		Symbol     string  `json:"symbol"`
		Confidence float64 `json:"confidence"`
		ProposedBy string  `json:"proposed_by"`
		Reason     string  `json:"reason"`
	} `json:"data"`
}

func NewBuySignalEvent(symbol string, confidence float64, proposedBy, reason string) *BuySignalEvent {
	e := &BuySignalEvent{envelope: newEnvelope(TopicBuySignal)}
	e.Data.Symbol = symbol
	e.Data.Confidence = confidence
	e.Data.ProposedBy = proposedBy
	e.Data.Reason = reason
	return e
}

// SentimentChangedEvent carries an aggregate sentiment score for a
// symbol. Published with CoalesceByKey on the symbol so only the
// newest score per symbol reaches the regime adapter.
type SentimentChangedEvent struct {
	envelope
	Data struct {
		Symbol     string  `json:"symbol"`
		Score      float64 `json:"score"` // -1..1
		Source     string  `json:"source"`
		SampleSize int     `json:"sample_size"`
	} `json:"data"`
}

func NewSentimentChangedEvent(symbol string, score float64, source string, sampleSize int) *SentimentChangedEvent {
	e := &SentimentChangedEvent{envelope: newEnvelope(TopicSentimentChanged)}
	e.Data.Symbol = symbol
	e.Data.Score = score
	e.Data.Source = source
	e.Data.SampleSize = sampleSize
	return e
}

// NewLearningEvent announces a freshly recorded Learning in the
// learning store so subscribers react without polling.
type NewLearningEvent struct {
	envelope
	Data struct {
		LearningID string  `json:"learning_id"`
		Component  string  `json:"component"`
		Type       string  `json:"type"`
		Confidence float64 `json:"confidence"`
	} `json:"data"`
}

func NewNewLearningEvent(learningID, component, learningType string, confidence float64) *NewLearningEvent {
	e := &NewLearningEvent{envelope: newEnvelope(TopicNewLearning)}
	e.Data.LearningID = learningID
	e.Data.Component = component
	e.Data.Type = learningType
	e.Data.Confidence = confidence
	return e
}

// PriceAlertEvent fires when a tracked symbol crosses an operator- or
// strategy-defined threshold.
type PriceAlertEvent struct {
	envelope
	Data struct {
		Symbol    string `json:"symbol"`
		Price     string `json:"price"` // decimal.Decimal.String()
		Threshold string `json:"threshold"`
		Direction string `json:"direction"` // "above" or "below"
	} `json:"data"`
}

func NewPriceAlertEvent(symbol, price, threshold, direction string) *PriceAlertEvent {
	e := &PriceAlertEvent{envelope: newEnvelope(TopicPriceAlert)}
	e.Data.Symbol = symbol
	e.Data.Price = price
	e.Data.Threshold = threshold
	e.Data.Direction = direction
	return e
}

// TradeProposedEvent is published when a trade is proposed but not yet executed.
type TradeProposedEvent struct {
	envelope
	Data struct {
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		Amount     float64 `json:"amount"`
		Price      float64 `json:"price"`
		Confidence float64 `json:"confidence"`
		ProposedBy string  `json:"proposed_by"`
		Reason     string  `json:"reason"`
	} `json:"data"`
}

func NewTradeProposedEvent(symbol, side string, amount, price, confidence float64, proposedBy, reason string) *TradeProposedEvent {
	e := &TradeProposedEvent{envelope: newEnvelope(TopicTradeProposed)}
	e.Data.Symbol = symbol
	e.Data.Side = side
	e.Data.Amount = amount
	e.Data.Price = price
	e.Data.Confidence = confidence
	e.Data.ProposedBy = proposedBy
	e.Data.Reason = reason
	return e
}

// TradeExecutedEvent is published once an open or close has been
// confirmed by the venue. IntentID replaces an int64
// TradeID: C7 keys every intent by a caller-supplied idempotency string.
type TradeExecutedEvent struct {
	envelope
	Data struct {
		IntentID      string  `json:"intent_id"`
		Symbol        string  `json:"symbol"`
		Side          string  `json:"side"`
		Amount        float64 `json:"amount"`
		Price         float64 `json:"price"`
		ExecutedAt    string  `json:"executed_at"`
		ExchangeID    string  `json:"exchange_id"`
		Status        string  `json:"status"`
		ExecutionTime int64   `json:"execution_time_ms"`
	} `json:"data"`
}

func NewTradeExecutedEvent(intentID, symbol, side string, amount, price float64, executedAt, exchangeID, status string, executionTime int64) *TradeExecutedEvent {
	e := &TradeExecutedEvent{envelope: newEnvelope(TopicTradeExecuted)}
	e.Data.IntentID = intentID
	e.Data.Symbol = symbol
	e.Data.Side = side
	e.Data.Amount = amount
	e.Data.Price = price
	e.Data.ExecutedAt = executedAt
	e.Data.ExchangeID = exchangeID
	e.Data.Status = status
	e.Data.ExecutionTime = executionTime
	return e
}

// TradeClosedEvent is published once a position has fully closed
// (stop-loss, take-profit, trailing-stop, or manual).
type TradeClosedEvent struct {
	envelope
	Data struct {
		PositionID string  `json:"position_id"`
		Symbol     string  `json:"symbol"`
		Reason     string  `json:"reason"`
		PnL        float64 `json:"pnl"`
		ClosedAt   string  `json:"closed_at"`
	} `json:"data"`
}

func NewTradeClosedEvent(positionID, symbol, reason string, pnl float64, closedAt string) *TradeClosedEvent {
	e := &TradeClosedEvent{envelope: newEnvelope(TopicTradeClosed)}
	e.Data.PositionID = positionID
	e.Data.Symbol = symbol
	e.Data.Reason = reason
	e.Data.PnL = pnl
	e.Data.ClosedAt = closedAt
	return e
}

// CommandTripEvent is published by the supervisor at PriorityCritical
// when a component exceeds its MaxConsecutiveFailures and goes fatal;
// BreakerName then carries the component's name.
type CommandTripEvent struct {
	envelope
	Data struct {
		BreakerName string `json:"breaker_name"`
		Reason      string `json:"reason"`
		RetryAt     string `json:"retry_at"`
	} `json:"data"`
}

func NewCommandTripEvent(breakerName, reason, retryAt string) *CommandTripEvent {
	e := &CommandTripEvent{envelope: newEnvelope(TopicCommandTrip)}
	e.Data.BreakerName = breakerName
	e.Data.Reason = reason
	e.Data.RetryAt = retryAt
	return e
}

// DecisionCompletedEvent describes a finished AI router query. The
// router does not publish it; AuditLogger and the chat hub subscribe to
// its topic.
type DecisionCompletedEvent struct {
	envelope
	Data struct {
		DecisionID   string                 `json:"decision_id"`
		DecisionType string                 `json:"decision_type"`
		Input        map[string]interface{} `json:"input"`
		Output       map[string]interface{} `json:"output"`
		Confidence   float64                `json:"confidence"`
		Duration     int64                  `json:"duration_ms"`
		Model        string                 `json:"model"`
	} `json:"data"`
}

func NewDecisionCompletedEvent(decisionID, decisionType string, input, output map[string]interface{}, confidence float64, duration int64, model string) *DecisionCompletedEvent {
	e := &DecisionCompletedEvent{envelope: newEnvelope(TopicDecisionCompleted)}
	e.Data.DecisionID = decisionID
	e.Data.DecisionType = decisionType
	e.Data.Input = input
	e.Data.Output = output
	e.Data.Confidence = confidence
	e.Data.Duration = duration
	e.Data.Model = model
	return e
}

// ContentReceivedEvent carries one piece of inbound chat/social content
// for the moderation loop to score and act on.
type ContentReceivedEvent struct {
	envelope
	Data struct {
		ActorID string `json:"actor_id"`
		Channel string `json:"channel"`
		Text    string `json:"text"`
	} `json:"data"`
}

func NewContentReceivedEvent(actorID, channel, text string) *ContentReceivedEvent {
	e := &ContentReceivedEvent{envelope: newEnvelope(TopicContentReceived)}
	e.Data.ActorID = actorID
	e.Data.Channel = channel
	e.Data.Text = text
	return e
}

// ActorModeratedEvent announces an escalating moderation action taken
// against an actor, so the chat/social adapter can enforce it.
type ActorModeratedEvent struct {
	envelope
	Data struct {
		ActorID string `json:"actor_id"`
		Action  string `json:"action"` // "warn", "mute" or "ban"; no "log" action is announced
		Reason  string `json:"reason"`
	} `json:"data"`
}

func NewActorModeratedEvent(actorID, action, reason string) *ActorModeratedEvent {
	e := &ActorModeratedEvent{envelope: newEnvelope(TopicActorModerated)}
	e.Data.ActorID = actorID
	e.Data.Action = action
	e.Data.Reason = reason
	return e
}
