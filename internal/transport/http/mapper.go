package http

import (
	"encoding/json"

	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/relay"
)

func inboundToCommand(inbound proto.Inbound, maxPayload int64) (*relay.Command, *proto.Error, error) {
	switch inbound.Type {
	case proto.InboundTypeSub, proto.InboundTypeUnsub:
		var topic proto.TopicData
		if err := json.Unmarshal(inbound.Data, &topic); err != nil {
			return nil, nil, err
		}
		if topic.Topic == "" {
			return nil, &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "topic is required"}, nil
		}
		kind := relay.CommandSubscribe
		if inbound.Type == proto.InboundTypeUnsub {
			kind = relay.CommandUnsubscribe
		}
		return &relay.Command{Kind: kind, Topic: topic.Topic}, nil, nil
	case proto.InboundTypePub:
		var pub proto.PubData
		if err := json.Unmarshal(inbound.Data, &pub); err != nil {
			return nil, nil, err
		}
		if pub.Topic == "" {
			return nil, &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "topic is required"}, nil
		}
		if pub.Payload == "" {
			return nil, &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "payload is required"}, nil
		}
		if maxPayload > 0 && int64(len(pub.Payload)) > maxPayload {
			return nil, &proto.Error{Code: proto.ErrCodeTooLarge, Msg: "payload too large"}, nil
		}
		return &relay.Command{Kind: relay.CommandPublish, Topic: pub.Topic, Payload: pub.Payload}, nil, nil
	case proto.InboundTypeHello:
		return nil, &proto.Error{Code: proto.ErrCodeBadRequest, Msg: "hello already received"}, nil
	default:
		return nil, &proto.Error{Code: proto.ErrCodeUnknownType, Msg: "unknown message type"}, nil
	}
}

func outboundFromEvent(event *relay.Event) proto.Outbound {
	switch event.Kind {
	case relay.EventMessage:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventMessage,
			Data: proto.EventMessageData{
				Topic:   event.Topic,
				Payload: event.Payload,
				From:    event.From,
				TS:      event.At.UnixMilli(),
			},
		}
	case relay.EventSubscribed:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventSubscribed,
			Data:  proto.EventTopicData{Topic: event.Topic},
		}
	case relay.EventUnsubscribed:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventUnsubscribed,
			Data:  proto.EventTopicData{Topic: event.Topic},
		}
	case relay.EventError:
		if event.Error == nil {
			return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: "unknown", Msg: "unknown error"}}
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: event.Error.Code, Msg: event.Error.Message},
		}
	default:
		return proto.Outbound{Type: proto.OutboundTypeEvent}
	}
}
