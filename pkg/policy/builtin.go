package policy

// BuiltinPolicies returns the policies compiled into every engine. They
// duplicate the schema-level assertions on purpose so that stacks loaded
// from pre-validated plans are still checked.
func BuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		nodeGroupCapacityPolicy(),
		nodeGroupDiskPolicy(),
		networkAdoptionPolicy(),
		bucketPublicAccessPolicy(),
		bucketStorageClassPolicy(),
		clusterLoggingPolicy(),
		productionTeardownPolicy(),
	}
}

func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names are lowercase alphanumeric with hyphens, 3-63 characters",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package opentundra.policies.naming

import rego.v1

deny contains violation if {
	input.resource
	name := input.resource.name
	not regex.match("^[a-z0-9][a-z0-9-]*[a-z0-9]$", name)
	violation := {
		"message": sprintf("resource name %q must be lowercase alphanumeric with hyphens", [name]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	input.resource
	count(input.resource.name) < 3
	violation := {
		"message": sprintf("resource name %q must be at least 3 characters", [input.resource.name]),
		"resource": input.resource.id,
	}
}

deny contains violation if {
	input.resource
	count(input.resource.name) > 63
	violation := {
		"message": sprintf("resource name %q must be at most 63 characters", [input.resource.name]),
		"resource": input.resource.id,
	}
}
`,
	}
}

func nodeGroupCapacityPolicy() Policy {
	return Policy{
		Name:        "node-group-capacity",
		Description: "Node group capacity_type must be ON_DEMAND or SPOT",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"eks", "compute"},
		Rego: `package opentundra.policies.nodegroup_capacity

import rego.v1

valid_types := {"ON_DEMAND", "SPOT"}

deny contains violation if {
	input.resource.type == "aws.node_group"
	capacity := input.config.capacity_type
	not valid_types[capacity]
	violation := {
		"message": sprintf("capacity_type %q is not one of ON_DEMAND, SPOT", [capacity]),
		"resource": input.resource.id,
	}
}
`,
	}
}

func nodeGroupDiskPolicy() Policy {
	return Policy{
		Name:        "node-group-disk",
		Description: "Node group disk_type must be an EBS volume type (gp2, gp3, io1, io2)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"eks", "storage"},
		Rego: `package opentundra.policies.nodegroup_disk

import rego.v1

valid_types := {"gp2", "gp3", "io1", "io2"}

deny contains violation if {
	input.resource.type == "aws.node_group"
	disk := input.config.disk_type
	disk != ""
	not valid_types[disk]
	violation := {
		"message": sprintf("disk_type %q is not one of gp2, gp3, io1, io2", [disk]),
		"resource": input.resource.id,
	}
}
`,
	}
}

func networkAdoptionPolicy() Policy {
	return Policy{
		Name:        "network-adoption",
		Description: "A network that is not created must name the existing VPC it adopts",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"network"},
		Rego: `package opentundra.policies.network_adoption

import rego.v1

deny contains violation if {
	input.resource.type == "aws.vpc"
	input.config.create == false
	not input.config.existing_ids.vpc_id
	violation := {
		"message": "existing_ids.vpc_id is required when create is false",
		"resource": input.resource.id,
	}
}
`,
	}
}

func bucketPublicAccessPolicy() Policy {
	return Policy{
		Name:        "bucket-public-access",
		Description: "S3 buckets should block public access",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"s3", "security"},
		Rego: `package opentundra.policies.bucket_public

import rego.v1

deny contains violation if {
	input.resource.type == "aws.s3_bucket"
	not input.config.block_public
	violation := {
		"message": sprintf("bucket %q does not block public access", [input.config.bucket]),
		"resource": input.resource.id,
		"severity": "warning",
	}
}
`,
	}
}

func bucketStorageClassPolicy() Policy {
	return Policy{
		Name:        "bucket-storage-class",
		Description: "S3 bucket storage_class must be STANDARD, STANDARD_IA, ONEZONE_IA or GLACIER",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"s3", "storage"},
		Rego: `package opentundra.policies.bucket_storage_class

import rego.v1

valid_classes := {"STANDARD", "STANDARD_IA", "ONEZONE_IA", "GLACIER"}

deny contains violation if {
	input.resource.type == "aws.s3_bucket"
	class := input.config.storage_class
	class != ""
	not valid_classes[class]
	violation := {
		"message": sprintf("storage_class %q is not one of STANDARD, STANDARD_IA, ONEZONE_IA, GLACIER", [class]),
		"resource": input.resource.id,
	}
}
`,
	}
}

func clusterLoggingPolicy() Policy {
	return Policy{
		Name:        "cluster-logging",
		Description: "EKS clusters should enable control plane logging",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"eks", "observability"},
		Rego: `package opentundra.policies.cluster_logging

import rego.v1

deny contains violation if {
	input.resource.type == "aws.eks_cluster"
	count(object.get(input.config, "enabled_log_types", [])) == 0
	violation := {
		"message": "no control plane log types enabled",
		"resource": input.resource.id,
		"severity": "warning",
	}
}
`,
	}
}

func productionTeardownPolicy() Policy {
	return Policy{
		Name:        "production-teardown",
		Description: "Plans must not delete EKS clusters in production",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"plan", "safety"},
		Rego: `package opentundra.policies.prod_teardown

import rego.v1

deny contains violation if {
	input.plan
	input.context.environment == "production"
	some unit in input.plan.units
	unit.operation == "delete"
	unit.provider_name == "aws.eks_cluster"
	violation := {
		"message": sprintf("plan deletes EKS cluster %q in production", [unit.resource_id]),
		"resource": unit.resource_id,
		"severity": "critical",
	}
}
`,
	}
}
