package plotter

import (
	"fmt"
	"strings"
)

func TopicCommand(prefix, deviceID string) string {
	return fmt.Sprintf("%s/plotter/%s/command", prefix, deviceID)
}

func TopicResult(prefix, deviceID, requestID string) string {
	return fmt.Sprintf("%s/plotter/%s/result/%s", prefix, deviceID, requestID)
}

func TopicResults(prefix, deviceID string) string {
	return fmt.Sprintf("%s/plotter/%s/result/+", prefix, deviceID)
}

// ParseRequestID returns the last topic level of a result topic
func ParseRequestID(topic string) string {
	i := strings.LastIndexByte(topic, '/')
	if i < 0 || i == len(topic)-1 {
		return ""
	}
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[len(parts)-2] != "result" {
		return ""
	}
	return topic[i+1:]
}
