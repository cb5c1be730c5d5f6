package mqtt

import "fmt"

func TopicActionResults(prefix string) string {
	return fmt.Sprintf("%s/action/+/result/+", prefix)
}

func TopicActionInvoke(prefix, action, requestID string) string {
	return fmt.Sprintf("%s/action/%s/invoke/%s", prefix, action, requestID)
}

func TopicActionResult(prefix, action, requestID string) string {
	return fmt.Sprintf("%s/action/%s/result/%s", prefix, action, requestID)
}

func TopicCatalogInvalidate(prefix string) string {
	return fmt.Sprintf("%s/catalog/invalidate", prefix)
}
