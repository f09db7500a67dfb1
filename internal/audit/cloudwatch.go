package audit

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"goldflow/logger"
)

// CloudWatchSink publishes audit events as CloudWatch metrics and mirrors
// them to the structured log. Publish failures are logged and dropped.
type CloudWatchSink struct {
	client    *cloudwatch.Client
	namespace string
	log       *logger.Log
	fallback  *LogSink
}

// NewCloudWatchSink builds the sink. When the AWS configuration cannot be
// loaded the returned sink degrades to log-only delivery.
func NewCloudWatchSink(region, namespace string) *CloudWatchSink {
	sink := &CloudWatchSink{
		namespace: namespace,
		log:       logger.GetLogger(),
		fallback:  NewLogSink(),
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		sink.log.WithComponent("audit").WithError(err).
			Warn("failed to load AWS configuration; audit sink is log-only")
		return sink
	}
	sink.client = cloudwatch.NewFromConfig(cfg)
	return sink
}

func (s *CloudWatchSink) Record(ctx context.Context, event Event) {
	s.fallback.Record(ctx, event)
	if s.client == nil {
		return
	}

	dims := []cwtypes.Dimension{
		{Name: aws.String("category"), Value: aws.String(event.Category)},
		{Name: aws.String("severity"), Value: aws.String(string(event.Severity))},
	}
	for key, value := range event.Metadata {
		dims = append(dims, cwtypes.Dimension{Name: aws.String(key), Value: aws.String(value)})
	}

	publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go func() {
		defer cancel()
		_, err := s.client.PutMetricData(publishCtx, &cloudwatch.PutMetricDataInput{
			Namespace: aws.String(s.namespace),
			MetricData: []cwtypes.MetricDatum{{
				MetricName: aws.String(event.Metric),
				Dimensions: dims,
				Unit:       cwtypes.StandardUnitCount,
				Value:      aws.Float64(event.Value),
			}},
		})
		if err != nil {
			s.log.WithComponent("audit").WithError(err).Warn("failed to publish audit metric")
		}
	}()
}
