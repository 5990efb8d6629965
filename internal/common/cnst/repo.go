package cnst

// Content repository path conventions
const (
	Slash = "/"
	// DamRoot is the asset storage subtree, never tracked
	DamRoot = "/content/dam/"
	// JCRContentInfix separates a page path from paths within its content
	JCRContentInfix = "/jcr:content/"
	// JCRContentSuffix terminates a page content root
	JCRContentSuffix = "/jcr:content"
	// Annotations is the container node holding review annotations of a component
	Annotations = "cq:annotations"
	// ResponsiveConfig is the layout configuration node of a component
	ResponsiveConfig = "cq:responsive"
	// EscapedNamespace is the URL-safe form of the jcr namespace prefix sent by browsers
	EscapedNamespace = "/_jcr_"
	// Namespace is the jcr namespace prefix
	Namespace = "/jcr:"
)
