// Package pipeline implements the per-message processing engine:
// ingest, source filter/transformer, destination fan-out, and response
// aggregation.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/message"
	"github.com/meridian-hie/meridian/go/script"
	"github.com/meridian-hie/meridian/go/store"
)

// DestinationBinding is one destination of a deployed channel as the
// pipeline sees it: compiled scripts plus the dispatcher that owns
// delivery.
type DestinationBinding struct {
	MetaDataID int
	Name       string
	Transport  string

	Filter      script.Handle // nil: accept all
	Transformer script.Handle // nil: identity
	Dispatcher  Deliverer

	// WaitForPrevious defers this destination until its predecessor's
	// terminal status is known (parallel channels only; serial order
	// implies it).
	WaitForPrevious bool
}

// Deliverer is the dispatcher surface the pipeline needs.
type Deliverer interface {
	Deliver(ctx context.Context, cm *message.ConnectorMessage) (message.Status, error)
}

// Events receives pipeline notifications.
type Events interface {
	MessageProcessed(channelID string, messageID int64)
}

// Pipeline processes raw messages for one deployed channel revision.
type Pipeline struct {
	ChannelID   string
	ChannelName string
	ServerID    string
	DataType    string

	Store     *store.Store
	Evaluator script.Evaluator

	SourceFilter      script.Handle
	SourceTransformer script.Handle
	ResponseScript    script.Handle

	Destinations []*DestinationBinding
	// Parallel starts destinations concurrently; aggregation still
	// joins on all of them.
	Parallel bool
	// ShadowMode persists and processes but does not dispatch.
	ShadowMode bool

	Attachments *Extractor // nil: no attachment extraction
	Events      Events     // nil: no event emission
}

// Process runs the full per-message algorithm and returns the result a
// source connector acknowledges upstream with. An error return means
// the source durability point was not reached and the source must not
// acknowledge.
func (p *Pipeline) Process(ctx context.Context, raw *message.RawMessage) (_ *connector.DispatchResult, err error) {
	var start = time.Now()

	// Ingest: everything up to the commit of the RAW content row is the
	// source durability point.
	var messageID int64
	if raw.ImportID != 0 {
		messageID, err = p.Store.ImportMessage(ctx, p.ChannelID, p.ServerID, start, raw.ImportID, raw.ImportChannelID)
	} else {
		messageID, err = p.Store.CreateMessage(ctx, p.ChannelID, p.ServerID, start)
	}
	if err != nil {
		return nil, fmt.Errorf("creating message: %w", err)
	}

	var payload = raw.Data
	if p.Attachments != nil {
		if payload, err = p.Attachments.Extract(ctx, p.Store, p.ChannelID, messageID, payload); err != nil {
			return nil, fmt.Errorf("extracting attachments: %w", err)
		}
	}

	var source = &message.ConnectorMessage{
		ChannelID:     p.ChannelID,
		MessageID:     messageID,
		MetaDataID:    0,
		ConnectorName: "Source",
		ServerID:      p.ServerID,
		ReceivedDate:  start,
		Status:        message.Received,
		SourceMap:     message.CopyMap(raw.SourceMap),
		ChannelMap:    map[string]interface{}{},
		ResponseMap:   map[string]interface{}{},
	}

	sourceMapText, err := message.SerializeMap(source.SourceMap)
	if err != nil {
		return nil, err
	}
	if err = p.Store.CommitStatusWithContent(ctx, source, []store.PendingContent{
		{ContentType: message.ContentRaw, Content: payload, DataType: p.DataType},
		{ContentType: message.ContentSourceMap, Content: sourceMapText},
	}); err != nil {
		return nil, fmt.Errorf("committing raw content: %w", err)
	}
	_ = p.Store.AddStatistic(ctx, p.ChannelID, 0, message.Received, 1)

	// From here on, failures are recovered locally: the message is
	// durable and the source may be acknowledged with an error status.
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"channel":   p.ChannelID,
				"messageId": messageID,
				"panic":     r,
			}).Error("recovered pipeline panic")
			_ = p.commitSourceError(ctx, source, fmt.Sprintf("panic: %v", r))
			err = nil
		}
	}()

	var result = p.run(ctx, source, payload, raw)
	result.MessageID = messageID

	if err := p.Store.MarkProcessed(ctx, p.ChannelID, messageID); err != nil {
		log.WithFields(log.Fields{"channel": p.ChannelID, "messageId": messageID, "err": err}).
			Error("failed to mark message processed")
	}
	if p.Events != nil {
		p.Events.MessageProcessed(p.ChannelID, messageID)
	}
	return result, nil
}

// run executes steps 2-5. It never returns an error: failures become
// statuses and error content rows.
func (p *Pipeline) run(ctx context.Context, source *message.ConnectorMessage, payload string, raw *message.RawMessage) *connector.DispatchResult {
	// Source filter.
	if filtered, err := p.evaluateFilter(ctx, p.SourceFilter, source, payload); err != nil {
		_ = p.commitSourceError(ctx, source, err.Error())
		return &connector.DispatchResult{Status: message.Error, Response: &message.Response{Status: message.Error, Error: err.Error()}}
	} else if filtered {
		source.Status = message.Filtered
		_ = p.Store.UpsertConnectorMessage(ctx, source)
		_ = p.Store.AddStatistic(ctx, p.ChannelID, 0, message.Filtered, 1)
		return &connector.DispatchResult{Status: message.Filtered, Response: &message.Response{Status: message.Filtered}}
	}

	// Source transformer.
	transformed, err := p.evaluateTransformer(ctx, p.SourceTransformer, source, payload)
	if err != nil {
		_ = p.commitSourceError(ctx, source, err.Error())
		return &connector.DispatchResult{Status: message.Error, Response: &message.Response{Status: message.Error, Error: err.Error()}}
	}
	source.Status = message.Transformed
	channelMapText, _ := message.SerializeMap(source.ChannelMap)
	if err = p.Store.CommitStatusWithContent(ctx, source, []store.PendingContent{
		{ContentType: message.ContentProcessedRaw, Content: payload, DataType: p.DataType},
		{ContentType: message.ContentTransformed, Content: transformed, DataType: p.DataType},
		{ContentType: message.ContentChannelMap, Content: channelMapText},
	}); err != nil {
		_ = p.commitSourceError(ctx, source, err.Error())
		return &connector.DispatchResult{Status: message.Error, Response: &message.Response{Status: message.Error, Error: err.Error()}}
	}
	_ = p.Store.AddStatistic(ctx, p.ChannelID, 0, message.Transformed, 1)

	// Fan out.
	var statuses = p.fanOut(ctx, source, transformed, raw.DestinationSet)

	// Response aggregation.
	var response = p.aggregate(ctx, source, statuses)
	source.Status = p.sourceTerminalStatus(statuses, response)
	_ = p.Store.UpsertConnectorMessage(ctx, source)

	return &connector.DispatchResult{Status: source.Status, Response: response}
}

// fanOut runs every destination and returns their aggregation statuses
// keyed by metadata ID.
func (p *Pipeline) fanOut(ctx context.Context, source *message.ConnectorMessage, transformed string, only []int) map[int]message.Status {
	var bindings = p.selectedBindings(only)
	var statuses = make(map[int]message.Status, len(bindings))

	if !p.Parallel {
		for _, b := range bindings {
			statuses[b.MetaDataID] = p.runDestination(ctx, b, source, transformed)
		}
		return statuses
	}

	var mu = make(chan struct{}, 1) // Guards statuses.
	var doneChans = map[int]chan message.Status{}
	for _, b := range bindings {
		doneChans[b.MetaDataID] = make(chan message.Status, 1)
	}

	var group, groupCtx = errgroup.WithContext(ctx)
	for i, b := range bindings {
		var b, i = b, i
		group.Go(func() error {
			if b.WaitForPrevious && i > 0 {
				var prev = bindings[i-1]
				select {
				case status := <-doneChans[prev.MetaDataID]:
					doneChans[prev.MetaDataID] <- status
				case <-groupCtx.Done():
					return nil
				}
			}
			var status = p.runDestination(groupCtx, b, source, transformed)
			doneChans[b.MetaDataID] <- status
			mu <- struct{}{}
			statuses[b.MetaDataID] = status
			<-mu
			return nil
		})
	}
	_ = group.Wait()
	return statuses
}

func (p *Pipeline) selectedBindings(only []int) []*DestinationBinding {
	var bindings = p.Destinations
	if len(only) > 0 {
		var keep = map[int]bool{}
		for _, id := range only {
			keep[id] = true
		}
		bindings = nil
		for _, b := range p.Destinations {
			if keep[b.MetaDataID] {
				bindings = append(bindings, b)
			}
		}
	}
	var out = append([]*DestinationBinding{}, bindings...)
	sort.Slice(out, func(i, j int) bool { return out[i].MetaDataID < out[j].MetaDataID })
	return out
}

// runDestination executes filter → transformer → dispatch for one
// destination and returns the status the aggregation observes. A
// failure in one destination never aborts its siblings.
func (p *Pipeline) runDestination(ctx context.Context, b *DestinationBinding, source *message.ConnectorMessage, transformed string) message.Status {
	var cm = &message.ConnectorMessage{
		ChannelID:     p.ChannelID,
		MessageID:     source.MessageID,
		MetaDataID:    b.MetaDataID,
		ConnectorName: b.Name,
		ServerID:      p.ServerID,
		ReceivedDate:  time.Now(),
		Status:        message.Received,
		SourceMap:     message.CopyMap(source.SourceMap),
		ChannelMap:    message.CopyMap(source.ChannelMap),
		ConnectorMap:  map[string]interface{}{},
	}
	if err := p.Store.UpsertConnectorMessage(ctx, cm); err != nil {
		log.WithFields(log.Fields{"channel": p.ChannelID, "metaDataId": b.MetaDataID, "err": err}).
			Error("failed to create destination connector message")
		return message.Error
	}
	_ = p.Store.AddStatistic(ctx, p.ChannelID, b.MetaDataID, message.Received, 1)

	if filtered, err := p.evaluateFilter(ctx, b.Filter, cm, transformed); err != nil {
		p.commitDestinationError(ctx, cm, b, err.Error())
		return message.Error
	} else if filtered {
		cm.Status = message.Filtered
		_ = p.Store.UpsertConnectorMessage(ctx, cm)
		_ = p.Store.AddStatistic(ctx, p.ChannelID, b.MetaDataID, message.Filtered, 1)
		return message.Filtered
	}

	destTransformed, err := p.evaluateTransformer(ctx, b.Transformer, cm, transformed)
	if err != nil {
		p.commitDestinationError(ctx, cm, b, err.Error())
		return message.Error
	}

	var encoded = destTransformed
	if p.Attachments != nil {
		if encoded, err = p.Attachments.Reattach(ctx, p.Store, p.ChannelID, cm.MessageID, encoded); err != nil {
			p.commitDestinationError(ctx, cm, b, err.Error())
			return message.Error
		}
	}

	cm.Status = message.Transformed
	connectorMapText, _ := message.SerializeMap(cm.ConnectorMap)
	channelMapText, _ := message.SerializeMap(cm.ChannelMap)
	if err = p.Store.CommitStatusWithContent(ctx, cm, []store.PendingContent{
		{ContentType: message.ContentTransformed, Content: destTransformed, DataType: p.DataType},
		{ContentType: message.ContentEncoded, Content: encoded, DataType: p.DataType},
		{ContentType: message.ContentConnectorMap, Content: connectorMapText},
		{ContentType: message.ContentChannelMap, Content: channelMapText},
	}); err != nil {
		p.commitDestinationError(ctx, cm, b, err.Error())
		return message.Error
	}

	if p.ShadowMode {
		// Observer mode: the message is fully persisted but never
		// leaves the process.
		cm.Status = message.Sent
		_ = p.Store.CommitStatusWithContent(ctx, cm, []store.PendingContent{
			{ContentType: message.ContentSent, Content: encoded},
			{ContentType: message.ContentResponse, Content: "shadow mode: dispatch skipped"},
		})
		_ = p.Store.AddStatistic(ctx, p.ChannelID, b.MetaDataID, message.Sent, 1)
		return message.Sent
	}

	status, err := b.Dispatcher.Deliver(ctx, cm)
	if err != nil {
		log.WithFields(log.Fields{
			"channel":    p.ChannelID,
			"messageId":  cm.MessageID,
			"metaDataId": b.MetaDataID,
			"err":        err,
		}).Error("destination delivery failed")
		return message.Error
	}
	return status
}

// aggregate evaluates the response script, writes the response content
// rows, and returns the selected response.
func (p *Pipeline) aggregate(ctx context.Context, source *message.ConnectorMessage, statuses map[int]message.Status) *message.Response {
	var response = p.defaultResponse(statuses)

	if p.ResponseScript != nil {
		var responses = map[int]*message.Response{}
		for id, status := range statuses {
			responses[id] = &message.Response{Status: status}
		}
		var out, err = p.Evaluator.Evaluate(ctx, p.ResponseScript, &script.Bindings{
			ChannelID:   p.ChannelID,
			ChannelName: p.ChannelName,
			MessageID:   source.MessageID,
			SourceMap:   source.SourceMap,
			ChannelMap:  source.ChannelMap,
			ResponseMap: source.ResponseMap,
			Responses:   responses,
		})
		if err != nil {
			_ = p.Store.WriteContent(ctx, p.ChannelID, source.MessageID, 0,
				message.ContentResponseError, err.Error(), "")
		} else if rr, ok := out.(*script.ResponseResult); ok && rr != nil {
			response = &message.Response{Status: rr.Status, Message: rr.Message}
		}
	}

	responseMapText, _ := message.SerializeMap(source.ResponseMap)
	var contents = []store.PendingContent{
		{ContentType: message.ContentResponseMap, Content: responseMapText},
	}
	if response != nil {
		contents = append(contents,
			store.PendingContent{ContentType: message.ContentResponse, Content: response.Message},
			store.PendingContent{ContentType: message.ContentProcessedResponse, Content: response.Message},
		)
	}
	for _, pc := range contents {
		_ = p.Store.WriteContent(ctx, p.ChannelID, source.MessageID, 0, pc.ContentType, pc.Content, "")
	}
	return response
}

func (p *Pipeline) defaultResponse(statuses map[int]message.Status) *message.Response {
	for _, status := range statuses {
		if status == message.Error {
			return &message.Response{Status: message.Error}
		}
	}
	return &message.Response{Status: message.Sent}
}

// sourceTerminalStatus derives the source connector message's final
// status from destination outcomes and the selected response.
func (p *Pipeline) sourceTerminalStatus(statuses map[int]message.Status, response *message.Response) message.Status {
	if response != nil && response.Status == message.Error {
		return message.Error
	}
	for _, status := range statuses {
		if status == message.Error {
			return message.Error
		}
	}
	return message.Sent
}

func (p *Pipeline) evaluateFilter(ctx context.Context, handle script.Handle, cm *message.ConnectorMessage, payload string) (bool, error) {
	if handle == nil {
		return false, nil
	}
	var out, err = p.Evaluator.Evaluate(ctx, handle, p.bindings(cm, payload))
	if err != nil {
		return false, &script.Err{Scope: handle.Scope(), Cause: err}
	}
	if fr, ok := out.(*script.FilterResult); ok {
		return fr.Filtered, nil
	}
	return false, nil
}

func (p *Pipeline) evaluateTransformer(ctx context.Context, handle script.Handle, cm *message.ConnectorMessage, payload string) (string, error) {
	if handle == nil {
		return payload, nil
	}
	var out, err = p.Evaluator.Evaluate(ctx, handle, p.bindings(cm, payload))
	if err != nil {
		return "", &script.Err{Scope: handle.Scope(), Cause: err}
	}
	var tr, ok = out.(*script.TransformResult)
	if !ok || tr == nil {
		return payload, nil
	}
	for k, v := range tr.ChannelMapDelta {
		cm.ChannelMap[k] = v
	}
	for k, v := range tr.ConnectorMapDelta {
		if cm.ConnectorMap != nil {
			cm.ConnectorMap[k] = v
		}
	}
	return tr.Transformed, nil
}

func (p *Pipeline) bindings(cm *message.ConnectorMessage, payload string) *script.Bindings {
	return &script.Bindings{
		ChannelID:    p.ChannelID,
		ChannelName:  p.ChannelName,
		MessageID:    cm.MessageID,
		MetaDataID:   cm.MetaDataID,
		Payload:      payload,
		SourceMap:    cm.SourceMap,
		ChannelMap:   cm.ChannelMap,
		ConnectorMap: cm.ConnectorMap,
		ResponseMap:  cm.ResponseMap,
	}
}

func (p *Pipeline) commitSourceError(ctx context.Context, source *message.ConnectorMessage, errText string) error {
	source.Status = message.Error
	_ = p.Store.AddStatistic(ctx, p.ChannelID, 0, message.Error, 1)
	return p.Store.CommitStatusWithContent(ctx, source, []store.PendingContent{
		{ContentType: message.ContentProcessingError, Content: errText},
	})
}

func (p *Pipeline) commitDestinationError(ctx context.Context, cm *message.ConnectorMessage, b *DestinationBinding, errText string) {
	cm.Status = message.Error
	if err := p.Store.CommitStatusWithContent(ctx, cm, []store.PendingContent{
		{ContentType: message.ContentProcessingError, Content: errText},
	}); err != nil {
		log.WithFields(log.Fields{"channel": p.ChannelID, "metaDataId": b.MetaDataID, "err": err}).
			Error("failed to commit destination error")
	}
	_ = p.Store.AddStatistic(ctx, p.ChannelID, b.MetaDataID, message.Error, 1)
}
